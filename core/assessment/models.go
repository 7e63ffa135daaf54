package assessment

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

// Kinds
const (
	KindDiagnostic = "diagnostic"
	KindPractice   = "practice"
)

// Bands
const (
	BandNeedsSupport = "needs_support"
	BandDeveloping   = "developing"
	BandProficient   = "proficient"
	BandAdvanced     = "advanced"
)

var (
	ErrNotFound        = errors.New("assessment not found")
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrNotPublished    = errors.New("assessment is not published")
)

type Assessment struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Subject     string    `json:"subject"`
	Kind        string    `json:"kind"`
	Scale       Scale     `json:"scale"`
	Domains     []Domain  `json:"domains"`
	Items       []Item    `json:"items"`
	IsPublished bool      `json:"is_published"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StudentView returns a copy of the Assessment without the item answers.
func (a Assessment) StudentView() Assessment {
	items := make([]Item, len(a.Items))
	for i, it := range a.Items {
		it.Answer = ""
		items[i] = it
	}
	a.Items = items
	return a
}

// Scale is the reporting scale scores are normalized to, eg. mean 100 and SD 15.
type Scale struct {
	Mean float64 `json:"mean" validate:"gte=0"`
	SD   float64 `json:"sd" validate:"gt=0"`
	Min  int     `json:"min"`
	Max  int     `json:"max" validate:"gtfield=Min"`
}

type Domain struct {
	Code   string  `json:"code" validate:"required,max=64,code"`
	Name   string  `json:"name" validate:"required,max=200"`
	Weight float64 `json:"weight" validate:"gte=0"`
	Norm   Norm    `json:"norm"`
}

// Norm is the reference distribution of the domain's percent correct, as a fraction of 1.
type Norm struct {
	Mean float64 `json:"mean" validate:"gte=0,lte=1"`
	SD   float64 `json:"sd" validate:"gt=0"`
}

type Item struct {
	ID      string   `json:"id" validate:"required,max=64"`
	Domain  string   `json:"domain" validate:"required"`
	Prompt  string   `json:"prompt" validate:"required"`
	Choices []string `json:"choices,omitempty"`
	Answer  string   `json:"answer,omitempty" validate:"required"`
	Points  float64  `json:"points" validate:"gte=0"` // 0: 1 point
}

func (it Item) points() float64 {
	if it.Points <= 0 {
		return 1
	}
	return it.Points
}

type Attempt struct {
	ID           string            `json:"id"`
	AssessmentID string            `json:"assessment_id"`
	StudentID    string            `json:"student_id"`
	SubmittedBy  string            `json:"submitted_by"`
	Responses    map[string]string `json:"responses"`
	Result       Result            `json:"result"`
	CreatedAt    time.Time         `json:"created_at"`
}

type Result struct {
	RawScore        float64       `json:"raw_score"`
	MaxScore        float64       `json:"max_score"`
	Percent         float64       `json:"percent"`
	WeightedPercent float64       `json:"weighted_percent"`
	CompositeZ      float64       `json:"composite_z"`
	Scaled          int           `json:"scaled"`
	Percentile      float64       `json:"percentile"`
	Band            string        `json:"band"`
	Domains         []DomainScore `json:"domains"`
	Strengths       []string      `json:"strengths"`
	FocusAreas      []string      `json:"focus_areas"`
}

type DomainScore struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Earned     float64 `json:"earned"`
	Possible   float64 `json:"possible"`
	Answered   int     `json:"answered"`
	Items      int     `json:"items"`
	Percent    float64 `json:"percent"`
	Z          float64 `json:"z"`
	Scaled     int     `json:"scaled"`
	Percentile float64 `json:"percentile"`
	Weight     float64 `json:"weight"`
}

// NewAssessment contains the information needed to create or update an Assessment.
type NewAssessment struct {
	Title   string   `json:"title" validate:"required,max=200"`
	Subject string   `json:"subject" validate:"required,max=100"`
	Kind    string   `json:"kind" validate:"required,oneof=diagnostic practice"`
	Scale   Scale    `json:"scale"`
	Domains []Domain `json:"domains" validate:"required,min=1,dive"`
	Items   []Item   `json:"items" validate:"required,min=1,dive"`
}

// Validate checks the struct tags, then the cross references between domains and items.
func (na *NewAssessment) Validate(validate *validator.Validate) error {
	na.Title = core.CleanString(na.Title)
	na.Subject = core.CleanString(na.Subject, true /* lower */)
	na.Kind = core.CleanString(na.Kind, true /* lower */)
	if na.Kind == "" {
		na.Kind = KindDiagnostic
	}
	for i := range na.Domains {
		na.Domains[i].Code = core.CleanString(na.Domains[i].Code, true /* lower */)
		na.Domains[i].Name = core.CleanString(na.Domains[i].Name)
	}
	for i := range na.Items {
		na.Items[i].ID = core.CleanString(na.Items[i].ID)
		na.Items[i].Domain = core.CleanString(na.Items[i].Domain, true /* lower */)
		na.Items[i].Answer = core.CleanString(na.Items[i].Answer)
	}

	if err := validate.Struct(na); err != nil {
		return err
	}

	var fields []core.FieldError
	codes := make(map[string]bool, len(na.Domains))
	var totalWeight float64
	for _, d := range na.Domains {
		if codes[d.Code] {
			fields = append(fields, core.FieldError{Field: "domains", Error: "duplicate domain code: " + d.Code})
		}
		codes[d.Code] = true
		totalWeight += d.Weight
	}
	if totalWeight <= 0 {
		fields = append(fields, core.FieldError{Field: "domains", Error: "at least one domain must have a positive weight"})
	}

	ids := make(map[string]bool, len(na.Items))
	used := make(map[string]bool, len(na.Domains))
	for _, it := range na.Items {
		if ids[it.ID] {
			fields = append(fields, core.FieldError{Field: "items", Error: "duplicate item id: " + it.ID})
		}
		ids[it.ID] = true
		if !codes[it.Domain] {
			fields = append(fields, core.FieldError{Field: "items", Error: "unknown domain: " + it.Domain})
		}
		used[it.Domain] = true
	}
	for _, d := range na.Domains {
		if !used[d.Code] {
			fields = append(fields, core.FieldError{Field: "domains", Error: "domain has no items: " + d.Code})
		}
	}

	if len(fields) > 0 {
		return core.NewValidationError(nil, fields...)
	}
	return nil
}

func (na NewAssessment) apply(a *Assessment) {
	a.Title = na.Title
	a.Subject = na.Subject
	a.Kind = na.Kind
	a.Scale = na.Scale
	a.Domains = na.Domains
	a.Items = na.Items
}

// NewAttempt holds the responses submitted for a student.
type NewAttempt struct {
	StudentID string            `json:"student_id" validate:"required"`
	Responses map[string]string `json:"responses" validate:"required"`
}

func (na *NewAttempt) Validate(validate *validator.Validate) error {
	na.StudentID = core.CleanString(na.StudentID)
	return validate.Struct(na)
}

type QueryFilter struct {
	Search        string `query:"search"`
	Subject       string `query:"subject"`
	Kind          string `query:"kind"`
	PublishedOnly bool   `query:"-"`
}

func (f *QueryFilter) Clean() {
	f.Search = core.CleanString(f.Search)
	f.Subject = core.CleanString(f.Subject, true /* lower */)
	f.Kind = core.CleanString(f.Kind, true /* lower */)
}

type AttemptFilter struct {
	StudentID    string
	AssessmentID string
	Kind         string // of the assessment
	Limit        uint64
}

// SharedReport is the public view of an attempt opened through a share link.
type SharedReport struct {
	Assessment string    `json:"assessment"`
	Subject    string    `json:"subject"`
	Result     Result    `json:"result"`
	CreatedAt  time.Time `json:"created_at"`
}
