package entitlement

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

const refEntitlement = "entitlement"

type (
	Repository interface {
		CreateProduct(ctx context.Context, p Product, exec ...core.DBExecutor) (Product, error)
		UpdateProduct(ctx context.Context, p Product, exec ...core.DBExecutor) (Product, error)
		GetProduct(ctx context.Context, filter ProductFilter, exec ...core.DBExecutor) (Product, error)
		QueryProducts(ctx context.Context, activeOnly bool, exec ...core.DBExecutor) ([]Product, error)

		CreateEntitlement(ctx context.Context, e Entitlement, exec ...core.DBExecutor) (Entitlement, error)
		UpdateEntitlement(ctx context.Context, e Entitlement, exec ...core.DBExecutor) (Entitlement, error)
		GetEntitlement(ctx context.Context, id string, exec ...core.DBExecutor) (Entitlement, error)
		QueryEntitlements(ctx context.Context, filter EntitlementFilter, exec ...core.DBExecutor) ([]Entitlement, error)

		GetBalance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error)
		// AddCredits increments the balance of userID by n and returns the new balance.
		AddCredits(ctx context.Context, userID string, n int, exec ...core.DBExecutor) (int, error)
		// DeductCredits decrements the balance of userID by n only when it holds at least n credits,
		// in a single statement, and returns the new balance or ErrInsufficientCredits.
		DeductCredits(ctx context.Context, userID string, n int, exec ...core.DBExecutor) (int, error)
		CreateLedgerEntry(ctx context.Context, entry LedgerEntry, exec ...core.DBExecutor) (LedgerEntry, error)
		QueryLedger(ctx context.Context, userID string, exec ...core.DBExecutor) ([]LedgerEntry, error)
	}

	Service interface {
		CreateProduct(ctx context.Context, np NewProduct) (Product, error)
		UpdateProduct(ctx context.Context, id string, np NewProduct) (Product, error)
		GetProduct(ctx context.Context, id string) (Product, error)
		GetProductByCode(ctx context.Context, code string) (Product, error)
		QueryProducts(ctx context.Context, activeOnly bool) ([]Product, error)
		// UpsertProducts creates or replaces products by code.
		UpsertProducts(ctx context.Context, nps []NewProduct) (created, updated int, err error)

		CreatePending(ctx context.Context, userID string, product Product, orderID string, exec ...core.DBExecutor) (Entitlement, error)
		Grant(ctx context.Context, ng NewGrant) (Entitlement, error)
		Activate(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error)
		Suspend(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error)
		Resume(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error)
		Revoke(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error)
		// ExpireDue expires all active entitlements whose expiry is not after now, and returns their count.
		ExpireDue(ctx context.Context, now time.Time) (int, error)
		GetEntitlement(ctx context.Context, id string) (Entitlement, error)
		QueryEntitlements(ctx context.Context, userID string) ([]Entitlement, error)

		Resolve(ctx context.Context, userID string, now time.Time, exec ...core.DBExecutor) (Access, error)
		// Require returns ErrFeatureNotEntitled unless userID currently holds feature.
		Require(ctx context.Context, userID, feature string, exec ...core.DBExecutor) error

		Balance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error)
		GrantCredits(ctx context.Context, userID string, n int, reason string, ref Ref, exec ...core.DBExecutor) (int, error)
		ConsumeCredits(ctx context.Context, userID string, n int, reason string, ref Ref, exec ...core.DBExecutor) (int, error)
		Ledger(ctx context.Context, userID string) ([]LedgerEntry, error)
	}

	service struct {
		db   core.DB
		repo Repository
		now  func() time.Time
	}
)

var _ Service = (*service)(nil)

func NewService(db core.DB, repo Repository) Service {
	return &service{db: db, repo: repo, now: time.Now}
}

func (svc *service) timeNow() time.Time {
	return svc.now().UTC().Truncate(time.Microsecond)
}

// Products

func (svc *service) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	_, err := svc.repo.GetProduct(ctx, ProductFilter{Code: np.Code})
	if err == nil {
		return Product{}, core.NewValidationError(ErrProductCodeExists, core.FieldError{Field: "code", Error: ErrProductCodeExists.Error()})
	} else if errors.Cause(err) != ErrProductNotFound {
		return Product{}, errors.Wrap(err, "checking product code")
	}

	now := svc.timeNow()
	p := Product{CreatedAt: now, UpdatedAt: now}
	np.apply(&p)
	return svc.repo.CreateProduct(ctx, p)
}

func (svc *service) UpdateProduct(ctx context.Context, id string, np NewProduct) (Product, error) {
	return svc.updateProduct(ctx, id, np)
}

func (svc *service) updateProduct(ctx context.Context, id string, np NewProduct, exec ...core.DBExecutor) (Product, error) {
	p, err := svc.repo.GetProduct(ctx, ProductFilter{ID: id}, exec...)
	if err != nil {
		return Product{}, err
	}
	if np.Code != p.Code {
		other, err := svc.repo.GetProduct(ctx, ProductFilter{Code: np.Code}, exec...)
		if err == nil && other.ID != p.ID {
			return Product{}, core.NewValidationError(ErrProductCodeExists, core.FieldError{Field: "code", Error: ErrProductCodeExists.Error()})
		} else if err != nil && errors.Cause(err) != ErrProductNotFound {
			return Product{}, errors.Wrap(err, "checking product code")
		}
	}
	np.apply(&p)
	p.UpdatedAt = svc.timeNow()
	return svc.repo.UpdateProduct(ctx, p, exec...)
}

func (svc *service) GetProduct(ctx context.Context, id string) (Product, error) {
	return svc.repo.GetProduct(ctx, ProductFilter{ID: id})
}

func (svc *service) GetProductByCode(ctx context.Context, code string) (Product, error) {
	return svc.repo.GetProduct(ctx, ProductFilter{Code: core.CleanString(code, true /* lower */)})
}

func (svc *service) QueryProducts(ctx context.Context, activeOnly bool) ([]Product, error) {
	return svc.repo.QueryProducts(ctx, activeOnly)
}

func (svc *service) UpsertProducts(ctx context.Context, nps []NewProduct) (created, updated int, err error) {
	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		for _, np := range nps {
			p, err := svc.repo.GetProduct(ctx, ProductFilter{Code: np.Code}, exec)
			switch {
			case err == nil:
				if _, err = svc.updateProduct(ctx, p.ID, np, exec); err != nil {
					return errors.Wrapf(err, "updating product %q", np.Code)
				}
				updated++
			case errors.Cause(err) == ErrProductNotFound:
				now := svc.timeNow()
				p = Product{CreatedAt: now, UpdatedAt: now}
				np.apply(&p)
				if _, err = svc.repo.CreateProduct(ctx, p, exec); err != nil {
					return errors.Wrapf(err, "creating product %q", np.Code)
				}
				created++
			default:
				return errors.Wrapf(err, "finding product %q", np.Code)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// Entitlements

func (svc *service) CreatePending(ctx context.Context, userID string, product Product, orderID string, exec ...core.DBExecutor) (Entitlement, error) {
	now := svc.timeNow()
	source := SourcePurchase
	if orderID == "" {
		source = SourceGrant
	}
	return svc.repo.CreateEntitlement(ctx, Entitlement{
		UserID:       userID,
		ProductID:    product.ID,
		ProductCode:  product.Code,
		Features:     product.Features,
		Credits:      product.Credits,
		DurationDays: product.DurationDays,
		Status:       StatusPending,
		Source:       source,
		OrderID:      orderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, exec...)
}

func (svc *service) Grant(ctx context.Context, ng NewGrant) (Entitlement, error) {
	var ent Entitlement
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		product, err := svc.repo.GetProduct(ctx, ProductFilter{Code: ng.ProductCode}, exec)
		if err != nil {
			if errors.Cause(err) == ErrProductNotFound {
				return core.NewFieldError("product_code", err.Error())
			}
			return errors.Wrap(err, "finding product")
		}
		if ent, err = svc.CreatePending(ctx, ng.UserID, product, "", exec); err != nil {
			return errors.Wrap(err, "creating entitlement")
		}
		ent, err = svc.Activate(ctx, ent.ID, ng.Reason, exec)
		return err
	})
	return ent, err
}

type transitionFunc func(e *Entitlement, now time.Time) error

// transition applies fn to the entitlement id and saves it, along with the credit movements it implies.
func (svc *service) transition(ctx context.Context, id, reason string, fn transitionFunc, exec []core.DBExecutor) (Entitlement, error) {
	var ent Entitlement
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if ent, err = svc.repo.GetEntitlement(ctx, id, exec); err != nil {
			return err
		}
		prevStatus := ent.Status
		now := svc.timeNow()
		if err = fn(&ent, now); err != nil {
			return err
		}
		if reason != "" {
			ent.Reason = reason
		}
		ent.UpdatedAt = now
		if ent, err = svc.repo.UpdateEntitlement(ctx, ent, exec); err != nil {
			return errors.Wrap(err, "updating entitlement")
		}

		ref := Ref{Type: refEntitlement, ID: ent.ID}
		switch {
		case prevStatus == StatusPending && ent.Status == StatusActive && ent.Credits > 0:
			_, err = svc.GrantCredits(ctx, ent.UserID, ent.Credits, "plan "+ent.ProductCode+" activated", ref, exec)
		case (prevStatus == StatusActive || prevStatus == StatusSuspended) && ent.Status == StatusRevoked && ent.Credits > 0:
			err = svc.clawBack(ctx, ent, ref, exec)
		}
		return err
	}, exec...)
	if err != nil {
		return Entitlement{}, err
	}
	return ent, nil
}

// clawBack removes the credits granted by ent, bounded by what the user has left.
func (svc *service) clawBack(ctx context.Context, ent Entitlement, ref Ref, exec core.DBExecutor) error {
	balance, err := svc.repo.GetBalance(ctx, ent.UserID, exec)
	if err != nil {
		return errors.Wrap(err, "getting balance")
	}
	n := ent.Credits
	if balance < n {
		n = balance
	}
	if n <= 0 {
		return nil
	}
	_, err = svc.ConsumeCredits(ctx, ent.UserID, n, "plan "+ent.ProductCode+" revoked", ref, exec)
	return err
}

func (svc *service) Activate(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error) {
	return svc.transition(ctx, id, reason, (*Entitlement).activate, exec)
}

func (svc *service) Suspend(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error) {
	return svc.transition(ctx, id, reason, (*Entitlement).suspend, exec)
}

func (svc *service) Resume(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error) {
	return svc.transition(ctx, id, reason, (*Entitlement).resume, exec)
}

func (svc *service) Revoke(ctx context.Context, id, reason string, exec ...core.DBExecutor) (Entitlement, error) {
	return svc.transition(ctx, id, reason, func(e *Entitlement, _ time.Time) error { return e.revoke() }, exec)
}

func (svc *service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	due, err := svc.repo.QueryEntitlements(ctx, EntitlementFilter{
		Statuses:      []Status{StatusActive},
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, errors.Wrap(err, "querying due entitlements")
	}

	var cnt int
	for _, ent := range due {
		_, err := svc.transition(ctx, ent.ID, "", func(e *Entitlement, _ time.Time) error { return e.expire(now) }, nil)
		if err != nil {
			if errors.Cause(err) == ErrInvalidTransition { // changed meanwhile
				continue
			}
			return cnt, errors.Wrapf(err, "expiring entitlement %s", ent.ID)
		}
		cnt++
	}
	return cnt, nil
}

func (svc *service) GetEntitlement(ctx context.Context, id string) (Entitlement, error) {
	return svc.repo.GetEntitlement(ctx, id)
}

func (svc *service) QueryEntitlements(ctx context.Context, userID string) ([]Entitlement, error) {
	return svc.repo.QueryEntitlements(ctx, EntitlementFilter{UserID: userID})
}

func (svc *service) Resolve(ctx context.Context, userID string, now time.Time, exec ...core.DBExecutor) (Access, error) {
	ents, err := svc.repo.QueryEntitlements(ctx, EntitlementFilter{UserID: userID, Statuses: []Status{StatusActive}}, exec...)
	if err != nil {
		return Access{}, errors.Wrap(err, "querying entitlements")
	}
	acc := resolve(userID, ents, now)
	if acc.Credits, err = svc.repo.GetBalance(ctx, userID, exec...); err != nil {
		return Access{}, errors.Wrap(err, "getting balance")
	}
	return acc, nil
}

func (svc *service) Require(ctx context.Context, userID, feature string, exec ...core.DBExecutor) error {
	ents, err := svc.repo.QueryEntitlements(ctx, EntitlementFilter{UserID: userID, Statuses: []Status{StatusActive}}, exec...)
	if err != nil {
		return errors.Wrap(err, "querying entitlements")
	}
	if !resolve(userID, ents, svc.now()).Has(feature) {
		return ErrFeatureNotEntitled
	}
	return nil
}

// Credits

func (svc *service) Balance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error) {
	return svc.repo.GetBalance(ctx, userID, exec...)
}

func (svc *service) GrantCredits(ctx context.Context, userID string, n int, reason string, ref Ref, exec ...core.DBExecutor) (int, error) {
	return svc.moveCredits(ctx, userID, n, reason, ref, svc.repo.AddCredits, 1, exec)
}

func (svc *service) ConsumeCredits(ctx context.Context, userID string, n int, reason string, ref Ref, exec ...core.DBExecutor) (int, error) {
	return svc.moveCredits(ctx, userID, n, reason, ref, svc.repo.DeductCredits, -1, exec)
}

type balanceFunc func(ctx context.Context, userID string, n int, exec ...core.DBExecutor) (int, error)

func (svc *service) moveCredits(
	ctx context.Context,
	userID string,
	n int,
	reason string,
	ref Ref,
	apply balanceFunc,
	sign int,
	exec []core.DBExecutor,
) (int, error) {
	if n <= 0 {
		return 0, core.NewFieldError("credits", "must be greater than 0")
	}

	var balance int
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if balance, err = apply(ctx, userID, n, exec); err != nil {
			return err
		}
		_, err = svc.repo.CreateLedgerEntry(ctx, LedgerEntry{
			UserID:    userID,
			Delta:     sign * n,
			Balance:   balance,
			Reason:    reason,
			RefType:   ref.Type,
			RefID:     ref.ID,
			CreatedAt: svc.timeNow(),
		}, exec)
		return errors.Wrap(err, "creating ledger entry")
	}, exec...)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (svc *service) Ledger(ctx context.Context, userID string) ([]LedgerEntry, error) {
	return svc.repo.QueryLedger(ctx, userID)
}
