package assessment

import (
	"math"
	"sort"
	"strings"
)

// StrengthThreshold is the distance from the norm, in standard deviations,
// past which a domain is reported as a strength or a focus area.
const StrengthThreshold = 0.5

// Score grades the responses against the Assessment and normalizes the results
// per domain and overall. Responses to unknown items are ignored.
func Score(a Assessment, responses map[string]string) Result {
	var res Result

	idx := make(map[string]int, len(a.Domains))
	res.Domains = make([]DomainScore, len(a.Domains))
	for i, d := range a.Domains {
		idx[d.Code] = i
		res.Domains[i] = DomainScore{Code: d.Code, Name: d.Name, Weight: d.Weight}
	}

	for _, it := range a.Items {
		i, ok := idx[it.Domain]
		if !ok {
			continue
		}
		ds := &res.Domains[i]
		pts := it.points()
		ds.Items++
		ds.Possible += pts
		res.MaxScore += pts

		resp := strings.TrimSpace(responses[it.ID])
		if resp == "" {
			continue
		}
		ds.Answered++
		if strings.EqualFold(resp, strings.TrimSpace(it.Answer)) {
			ds.Earned += pts
			res.RawScore += pts
		}
	}

	var sumW, sumWZ, sumWPct float64
	for i, d := range a.Domains {
		ds := &res.Domains[i]
		if ds.Possible <= 0 {
			// nothing to score: no z, scaled score or percentile
			continue
		}
		ds.Percent = ds.Earned / ds.Possible
		z := zScore(ds.Percent, d.Norm)
		ds.Scaled = a.Scale.scaled(z)
		ds.Percentile = percentile(z)
		ds.Z = round(z, 4)
		ds.Percent = round(ds.Percent, 4)

		if d.Weight > 0 {
			sumW += d.Weight
			sumWZ += d.Weight * z
			sumWPct += d.Weight * (ds.Earned / ds.Possible)
		}
	}

	if res.MaxScore > 0 {
		res.Percent = round(res.RawScore/res.MaxScore, 4)
	}
	var compZ float64
	if sumW > 0 {
		compZ = sumWZ / sumW
		res.WeightedPercent = round(sumWPct/sumW, 4)
	}
	res.CompositeZ = round(compZ, 4)
	res.Scaled = a.Scale.scaled(compZ)
	res.Percentile = percentile(compZ)
	res.Band = band(res.Percentile)
	res.Strengths, res.FocusAreas = strengthsAndFocus(res.Domains)
	return res
}

func zScore(pct float64, n Norm) float64 {
	if n.SD <= 0 {
		return 0
	}
	return (pct - n.Mean) / n.SD
}

func (s Scale) scaled(z float64) int {
	v := int(math.Round(s.Mean + z*s.SD))
	if v < s.Min {
		return s.Min
	}
	if s.Max > s.Min && v > s.Max {
		return s.Max
	}
	return v
}

// percentile returns the share of the norm population below z, in percent.
func percentile(z float64) float64 {
	return round(normalCDF(z)*100, 1)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func band(pct float64) string {
	switch {
	case pct < 25:
		return BandNeedsSupport
	case pct < 50:
		return BandDeveloping
	case pct < 75:
		return BandProficient
	}
	return BandAdvanced
}

// strengthsAndFocus lists the measured domains away from their norm, the furthest first.
func strengthsAndFocus(domains []DomainScore) (strengths, focus []string) {
	var hi, lo []DomainScore
	for _, ds := range domains {
		if ds.Possible <= 0 {
			continue
		}
		switch {
		case ds.Z >= StrengthThreshold:
			hi = append(hi, ds)
		case ds.Z <= -StrengthThreshold:
			lo = append(lo, ds)
		}
	}
	sort.SliceStable(hi, func(i, j int) bool { return hi[i].Z > hi[j].Z })
	sort.SliceStable(lo, func(i, j int) bool { return lo[i].Z < lo[j].Z })

	strengths = make([]string, len(hi))
	for i, ds := range hi {
		strengths[i] = ds.Code
	}
	focus = make([]string, len(lo))
	for i, ds := range lo {
		focus[i] = ds.Code
	}
	return strengths, focus
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
