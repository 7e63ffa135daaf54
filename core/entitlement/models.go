package entitlement

import (
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

// Features
const (
	FeatureDiagnostics = "diagnostics"
	FeaturePractice    = "practice"
	FeatureAITutor     = "ai_tutor"
	FeatureCoaching    = "coaching"
)

var AllFeatures = []string{FeatureDiagnostics, FeaturePractice, FeatureAITutor, FeatureCoaching}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Sources
const (
	SourcePurchase = "purchase"
	SourceGrant    = "grant"
)

var (
	ErrNotFound            = errors.New("entitlement not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductCodeExists   = errors.New("a product with this code already exists")
	ErrInvalidTransition   = errors.New("invalid entitlement status transition")
	ErrFeatureNotEntitled  = errors.New("feature not included in any active plan")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

type Product struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	PriceCents   int64     `json:"price_cents"`
	Currency     string    `json:"currency"`
	Features     []string  `json:"features"`
	Credits      int       `json:"credits"`
	DurationDays int       `json:"duration_days"` // 0: never expires
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewProduct holds the information needed to create or replace a Product.
// It is also the schema of the catalog files loaded by the admin CLI.
type NewProduct struct {
	Code         string   `json:"code" yaml:"code" validate:"required,max=64,code"`
	Name         string   `json:"name" yaml:"name" validate:"required,max=200"`
	Description  string   `json:"description" yaml:"description"`
	PriceCents   int64    `json:"price_cents" yaml:"price_cents" validate:"gte=0"`
	Currency     string   `json:"currency" yaml:"currency" validate:"required,currency"`
	Features     []string `json:"features" yaml:"features" validate:"required,min=1,dive,oneof=diagnostics practice ai_tutor coaching"`
	Credits      int      `json:"credits" yaml:"credits" validate:"gte=0"`
	DurationDays int      `json:"duration_days" yaml:"duration_days" validate:"gte=0"`
	IsActive     *bool    `json:"is_active" yaml:"is_active"`
}

func (np *NewProduct) Validate(validate *validator.Validate) error {
	np.Code = core.CleanString(np.Code, true /* lower */)
	np.Name = core.CleanString(np.Name)
	np.Description = core.CleanString(np.Description)
	np.Currency = strings.ToUpper(core.CleanString(np.Currency))
	np.Features = dedupe(np.Features)
	return validate.Struct(np)
}

func (np NewProduct) apply(p *Product) {
	p.Code = np.Code
	p.Name = np.Name
	p.Description = np.Description
	p.PriceCents = np.PriceCents
	p.Currency = np.Currency
	p.Features = np.Features
	p.Credits = np.Credits
	p.DurationDays = np.DurationDays
	p.IsActive = np.IsActive == nil || *np.IsActive
}

type Entitlement struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ProductID    string     `json:"product_id"`
	ProductCode  string     `json:"product_code"`
	Features     []string   `json:"features"`
	Credits      int        `json:"credits"` // granted on activation
	DurationDays int        `json:"duration_days"`
	Status       Status     `json:"status"`
	Source       string     `json:"source"`
	OrderID      string     `json:"order_id,omitempty"`
	StartsAt     *time.Time `json:"starts_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	SuspendedAt  *time.Time `json:"suspended_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (e *Entitlement) activate(now time.Time) error {
	if e.Status != StatusPending {
		return ErrInvalidTransition
	}
	e.Status = StatusActive
	e.StartsAt = &now
	if e.DurationDays > 0 {
		exp := now.AddDate(0, 0, e.DurationDays)
		e.ExpiresAt = &exp
	}
	return nil
}

func (e *Entitlement) suspend(now time.Time) error {
	if e.Status != StatusActive {
		return ErrInvalidTransition
	}
	e.Status = StatusSuspended
	e.SuspendedAt = &now
	return nil
}

// resume re-activates a suspended Entitlement; the time spent suspended is added to its expiry.
func (e *Entitlement) resume(now time.Time) error {
	if e.Status != StatusSuspended {
		return ErrInvalidTransition
	}
	if e.ExpiresAt != nil && e.SuspendedAt != nil {
		exp := e.ExpiresAt.Add(now.Sub(*e.SuspendedAt))
		e.ExpiresAt = &exp
	}
	e.Status = StatusActive
	e.SuspendedAt = nil
	return nil
}

func (e *Entitlement) revoke() error {
	switch e.Status {
	case StatusPending, StatusActive, StatusSuspended:
		e.Status = StatusRevoked
		return nil
	}
	return ErrInvalidTransition
}

func (e *Entitlement) expire(now time.Time) error {
	if e.Status != StatusActive || e.ExpiresAt == nil || e.ExpiresAt.After(now) {
		return ErrInvalidTransition
	}
	e.Status = StatusExpired
	return nil
}

// grantsAccess reports whether the Entitlement unlocks its features at t.
func (e Entitlement) grantsAccess(t time.Time) bool {
	return e.Status == StatusActive && (e.ExpiresAt == nil || e.ExpiresAt.After(t))
}

// Access is the resolved set of features a user holds at a point in time.
type Access struct {
	UserID   string                   `json:"user_id"`
	Features map[string]FeatureAccess `json:"features"`
	Credits  int                      `json:"credits"`
}

type FeatureAccess struct {
	ExpiresAt *time.Time `json:"expires_at"` // nil: no expiry
	Sources   []string   `json:"sources"`    // entitlement IDs
}

func (a Access) Has(feature string) bool {
	_, ok := a.Features[feature]
	return ok
}

// resolve merges the features of all entitlements granting access at t.
// A feature held several times expires with its latest entitlement; no expiry wins.
func resolve(userID string, ents []Entitlement, t time.Time) Access {
	acc := Access{UserID: userID, Features: make(map[string]FeatureAccess)}
	for _, e := range ents {
		if !e.grantsAccess(t) {
			continue
		}
		for _, f := range e.Features {
			fa, seen := acc.Features[f]
			switch {
			case !seen:
				fa.ExpiresAt = e.ExpiresAt
			case fa.ExpiresAt == nil || e.ExpiresAt == nil:
				fa.ExpiresAt = nil
			case e.ExpiresAt.After(*fa.ExpiresAt):
				fa.ExpiresAt = e.ExpiresAt
			}
			fa.Sources = append(fa.Sources, e.ID)
			acc.Features[f] = fa
		}
	}
	return acc
}

type LedgerEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Delta     int       `json:"delta"`
	Balance   int       `json:"balance"`
	Reason    string    `json:"reason"`
	RefType   string    `json:"ref_type,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref points a ledger entry to the object that caused it.
type Ref struct {
	Type string
	ID   string
}

// NewGrant is an admin grant of a product to a user, without payment.
type NewGrant struct {
	UserID      string `json:"user_id" validate:"required"`
	ProductCode string `json:"product_code" validate:"required"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

func (ng *NewGrant) Validate(validate *validator.Validate) error {
	ng.ProductCode = core.CleanString(ng.ProductCode, true /* lower */)
	ng.Reason = core.CleanString(ng.Reason)
	return validate.Struct(ng)
}

// CreditGrant is an admin grant of credits to a user.
type CreditGrant struct {
	UserID  string `json:"user_id" validate:"required"`
	Credits int    `json:"credits" validate:"required,gt=0"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

func (cg *CreditGrant) Validate(validate *validator.Validate) error {
	cg.Reason = core.CleanString(cg.Reason)
	return validate.Struct(cg)
}

// StatusChange carries the reason of an admin status change.
type StatusChange struct {
	Reason string `json:"reason" validate:"max=500"`
}

type EntitlementFilter struct {
	UserID        string
	OrderID       string
	Statuses      []Status
	ExpiresBefore *time.Time
}

type ProductFilter struct {
	ID   string
	Code string
}

func dedupe(vals []string) []string {
	if vals == nil {
		return nil
	}
	seen := make(map[string]bool, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = core.CleanString(v, true /* lower */)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

