package assessment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testAssessment() Assessment {
	return Assessment{
		Title: "Math diagnostic",
		Scale: Scale{Mean: 100, SD: 15, Min: 40, Max: 160},
		Domains: []Domain{
			{Code: "algebra", Name: "Algebra", Weight: 3, Norm: Norm{Mean: 0.5, SD: 0.2}},
			{Code: "geometry", Name: "Geometry", Weight: 1, Norm: Norm{Mean: 0.5, SD: 0.25}},
			{Code: "number", Name: "Number sense", Weight: 0, Norm: Norm{Mean: 0.6, SD: 0.2}},
		},
		Items: []Item{
			{ID: "a1", Domain: "algebra", Answer: "a"},
			{ID: "a2", Domain: "algebra", Answer: "b"},
			{ID: "a3", Domain: "algebra", Answer: "12"},
			{ID: "a4", Domain: "algebra", Answer: "c"},
			{ID: "g1", Domain: "geometry", Answer: "90", Points: 2},
			{ID: "g2", Domain: "geometry", Answer: "d", Points: 2},
			{ID: "n1", Domain: "number", Answer: "7"},
		},
	}
}

func TestScore(t *testing.T) {
	a := testAssessment()

	tests := []struct {
		name      string
		responses map[string]string
		want      Result
	}{
		{
			name: "mixed",
			responses: map[string]string{
				"a1":  "a",
				"a2":  " B ",
				"a3":  "12",
				"a4":  "a",
				"g1":  "90",
				"g2":  "  ",
				"n1":  "8",
				"zzz": "ignored",
			},
			want: Result{
				RawScore:        5,
				MaxScore:        9,
				Percent:         0.5556,
				WeightedPercent: 0.6875,
				CompositeZ:      0.9375,
				Scaled:          114,
				Percentile:      82.6,
				Band:            BandAdvanced,
				Domains: []DomainScore{
					{Code: "algebra", Name: "Algebra", Earned: 3, Possible: 4, Answered: 4, Items: 4, Percent: 0.75, Z: 1.25, Scaled: 119, Percentile: 89.4, Weight: 3},
					{Code: "geometry", Name: "Geometry", Earned: 2, Possible: 4, Answered: 1, Items: 2, Percent: 0.5, Z: 0, Scaled: 100, Percentile: 50, Weight: 1},
					{Code: "number", Name: "Number sense", Earned: 0, Possible: 1, Answered: 1, Items: 1, Percent: 0, Z: -3, Scaled: 55, Percentile: 0.1, Weight: 0},
				},
				Strengths:  []string{"algebra"},
				FocusAreas: []string{"number"},
			},
		},
		{
			name:      "no responses",
			responses: nil,
			want: Result{
				RawScore:        0,
				MaxScore:        9,
				Percent:         0,
				WeightedPercent: 0,
				CompositeZ:      -2.375,
				Scaled:          64,
				Percentile:      0.9,
				Band:            BandNeedsSupport,
				Domains: []DomainScore{
					{Code: "algebra", Name: "Algebra", Possible: 4, Items: 4, Z: -2.5, Scaled: 63, Percentile: 0.6, Weight: 3},
					{Code: "geometry", Name: "Geometry", Possible: 4, Items: 2, Z: -2, Scaled: 70, Percentile: 2.3, Weight: 1},
					{Code: "number", Name: "Number sense", Possible: 1, Items: 1, Z: -3, Scaled: 55, Percentile: 0.1, Weight: 0},
				},
				Strengths:  []string{},
				FocusAreas: []string{"number", "algebra", "geometry"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(a, tt.responses)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Score() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScoreWithoutWeightedDomains(t *testing.T) {
	a := Assessment{
		Scale:   Scale{Mean: 500, SD: 100, Min: 200, Max: 800},
		Domains: []Domain{{Code: "reading", Name: "Reading", Norm: Norm{Mean: 0.5, SD: 0.2}}},
		Items:   []Item{{ID: "r1", Domain: "reading", Answer: "yes"}},
	}
	got := Score(a, map[string]string{"r1": "YES"})

	if got.CompositeZ != 0 || got.Scaled != 500 || got.Percentile != 50 || got.WeightedPercent != 0 {
		t.Errorf("Score() composite = (%v, %v, %v, %v), want (0, 500, 50, 0)",
			got.CompositeZ, got.Scaled, got.Percentile, got.WeightedPercent)
	}
	if got.Band != BandProficient {
		t.Errorf("Score() band = %v, want %v", got.Band, BandProficient)
	}
	if diff := cmp.Diff([]string{"reading"}, got.Strengths); diff != "" {
		t.Errorf("Score() strengths mismatch (-want +got):\n%s", diff)
	}
}

func TestScoreSkipsDomainsWithoutItems(t *testing.T) {
	a := Assessment{
		Scale: Scale{Mean: 500, SD: 100, Min: 200, Max: 800},
		Domains: []Domain{
			{Code: "reading", Name: "Reading", Weight: 1, Norm: Norm{Mean: 0.5, SD: 0.2}},
			{Code: "writing", Name: "Writing", Weight: 1, Norm: Norm{Mean: 0.5, SD: 0.2}},
		},
		Items: []Item{{ID: "r1", Domain: "reading", Answer: "yes"}},
	}
	got := Score(a, map[string]string{"r1": "yes"})

	want := DomainScore{Code: "writing", Name: "Writing", Weight: 1}
	if diff := cmp.Diff(want, got.Domains[1]); diff != "" {
		t.Errorf("Score() unscored domain mismatch (-want +got):\n%s", diff)
	}
	if len(got.FocusAreas) != 0 {
		t.Errorf("Score() focus areas = %v, want none", got.FocusAreas)
	}
	// the composite only weighs the scored domain: z = (1 - 0.5) / 0.2
	if got.CompositeZ != 2.5 {
		t.Errorf("Score() composite z = %v, want 2.5", got.CompositeZ)
	}
}

func TestScaleClamp(t *testing.T) {
	s := Scale{Mean: 100, SD: 15, Min: 70, Max: 130}
	tests := []struct {
		z    float64
		want int
	}{
		{z: 0, want: 100},
		{z: 1, want: 115},
		{z: 3, want: 130},
		{z: -2.5, want: 70},
		{z: -0.2, want: 97},
	}
	for _, tt := range tests {
		if got := s.scaled(tt.z); got != tt.want {
			t.Errorf("scaled(%v) = %v, want %v", tt.z, got, tt.want)
		}
	}
}

func TestBand(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{pct: 0, want: BandNeedsSupport},
		{pct: 24.9, want: BandNeedsSupport},
		{pct: 25, want: BandDeveloping},
		{pct: 49.9, want: BandDeveloping},
		{pct: 50, want: BandProficient},
		{pct: 74.9, want: BandProficient},
		{pct: 75, want: BandAdvanced},
		{pct: 100, want: BandAdvanced},
	}
	for _, tt := range tests {
		if got := band(tt.pct); got != tt.want {
			t.Errorf("band(%v) = %v, want %v", tt.pct, got, tt.want)
		}
	}
}

func TestZScoreWithoutSpread(t *testing.T) {
	if got := zScore(0.9, Norm{Mean: 0.5}); got != 0 {
		t.Errorf("zScore() = %v, want 0", got)
	}
}

func TestStudentView(t *testing.T) {
	a := testAssessment()
	view := a.StudentView()
	for _, it := range view.Items {
		if it.Answer != "" {
			t.Fatalf("StudentView() item %s exposes its answer", it.ID)
		}
	}
	if a.Items[0].Answer != "a" {
		t.Errorf("StudentView() modified the original assessment")
	}
}
