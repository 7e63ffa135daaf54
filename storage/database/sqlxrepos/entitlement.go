package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
)

var (
	productColumns = []string{
		"id", "code", "name", "description", "price_cents", "currency", "features", "credits",
		"duration_days", "is_active", "created_at", "updated_at",
	}
	entitlementColumns = []string{
		"id", "user_id", "product_id", "product_code", "features", "credits", "duration_days", "status",
		"source", "order_id", "starts_at", "expires_at", "suspended_at", "reason", "created_at", "updated_at",
	}
	ledgerColumns = []string{"id", "user_id", "delta", "balance", "reason", "ref_type", "ref_id", "created_at"}
)

type productRow struct {
	ID           string         `db:"id"`
	Code         string         `db:"code"`
	Name         string         `db:"name"`
	Description  string         `db:"description"`
	PriceCents   int64          `db:"price_cents"`
	Currency     string         `db:"currency"`
	Features     types.JSONText `db:"features"`
	Credits      int            `db:"credits"`
	DurationDays int            `db:"duration_days"`
	IsActive     bool           `db:"is_active"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

type entitlementRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	ProductID    string         `db:"product_id"`
	ProductCode  string         `db:"product_code"`
	Features     types.JSONText `db:"features"`
	Credits      int            `db:"credits"`
	DurationDays int            `db:"duration_days"`
	Status       string         `db:"status"`
	Source       string         `db:"source"`
	OrderID      null.String    `db:"order_id"`
	StartsAt     null.Time      `db:"starts_at"`
	ExpiresAt    null.Time      `db:"expires_at"`
	SuspendedAt  null.Time      `db:"suspended_at"`
	Reason       string         `db:"reason"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

type ledgerRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Delta     int       `db:"delta"`
	Balance   int       `db:"balance"`
	Reason    string    `db:"reason"`
	RefType   string    `db:"ref_type"`
	RefID     string    `db:"ref_id"`
	CreatedAt time.Time `db:"created_at"`
}

type entitlementRepository struct {
	baseRepo
}

var _ entitlement.Repository = (*entitlementRepository)(nil) // interface compliance check

func NewEntitlementRepository(exec core.DBExecutor) *entitlementRepository {
	return &entitlementRepository{baseRepo{exec: exec}}
}

// Products

func (repo entitlementRepository) productValues(p entitlement.Product) (map[string]interface{}, error) {
	features := p.Features
	if features == nil {
		features = []string{}
	}
	featuresJSON, err := jsonArg(features)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":          p.Code,
		"name":          p.Name,
		"description":   p.Description,
		"price_cents":   p.PriceCents,
		"currency":      p.Currency,
		"features":      featuresJSON,
		"credits":       p.Credits,
		"duration_days": p.DurationDays,
		"is_active":     p.IsActive,
		"created_at":    p.CreatedAt.UTC(),
		"updated_at":    p.UpdatedAt.UTC(),
	}, nil
}

func (repo entitlementRepository) unmarshalProduct(row productRow) (entitlement.Product, error) {
	p := entitlement.Product{
		ID:           row.ID,
		Code:         row.Code,
		Name:         row.Name,
		Description:  row.Description,
		PriceCents:   row.PriceCents,
		Currency:     row.Currency,
		Credits:      row.Credits,
		DurationDays: row.DurationDays,
		IsActive:     row.IsActive,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if err := row.Features.Unmarshal(&p.Features); err != nil {
		return entitlement.Product{}, errors.Wrap(err, "decoding features")
	}
	return p, nil
}

func (repo entitlementRepository) CreateProduct(ctx context.Context, p entitlement.Product, exec ...core.DBExecutor) (entitlement.Product, error) {
	p.ID = uuid.New().String()
	vals, err := repo.productValues(p)
	if err != nil {
		return entitlement.Product{}, err
	}
	vals["id"] = p.ID
	if _, err = run(ctx, repo.getExec(exec), stmt.Insert("products").SetMap(vals)); err != nil {
		return entitlement.Product{}, errors.Wrap(err, "inserting product")
	}
	return p, nil
}

func (repo entitlementRepository) UpdateProduct(ctx context.Context, p entitlement.Product, exec ...core.DBExecutor) (entitlement.Product, error) {
	vals, err := repo.productValues(p)
	if err != nil {
		return entitlement.Product{}, err
	}
	delete(vals, "created_at")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("products").SetMap(vals).Where(sq.Eq{"id": p.ID}))
	if err != nil {
		return entitlement.Product{}, errors.Wrap(err, "updating product")
	}
	if cnt == 0 {
		return entitlement.Product{}, entitlement.ErrProductNotFound
	}
	return p, nil
}

func (repo entitlementRepository) GetProduct(ctx context.Context, filter entitlement.ProductFilter, exec ...core.DBExecutor) (entitlement.Product, error) {
	q := stmt.Select(productColumns...).From("products").Limit(1)
	switch {
	case filter.ID != "":
		q = q.Where(sq.Eq{"id": filter.ID})
	case filter.Code != "":
		q = q.Where(sq.Eq{"code": filter.Code})
	default:
		return entitlement.Product{}, entitlement.ErrProductNotFound
	}

	var row productRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return entitlement.Product{}, trapNoRowsErr(err, entitlement.ErrProductNotFound, "finding product")
	}
	return repo.unmarshalProduct(row)
}

func (repo entitlementRepository) QueryProducts(ctx context.Context, activeOnly bool, exec ...core.DBExecutor) ([]entitlement.Product, error) {
	q := stmt.Select(productColumns...).From("products").OrderBy("price_cents", "code")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": true})
	}

	var rows []productRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying products")
	}
	products := make([]entitlement.Product, 0, len(rows))
	for _, row := range rows {
		p, err := repo.unmarshalProduct(row)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

// Entitlements

func nullTime(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func timePtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func (repo entitlementRepository) entitlementValues(e entitlement.Entitlement) (map[string]interface{}, error) {
	features := e.Features
	if features == nil {
		features = []string{}
	}
	featuresJSON, err := jsonArg(features)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"user_id":       e.UserID,
		"product_id":    e.ProductID,
		"product_code":  e.ProductCode,
		"features":      featuresJSON,
		"credits":       e.Credits,
		"duration_days": e.DurationDays,
		"status":        string(e.Status),
		"source":        e.Source,
		"order_id":      null.NewString(e.OrderID, e.OrderID != ""),
		"starts_at":     nullTime(e.StartsAt),
		"expires_at":    nullTime(e.ExpiresAt),
		"suspended_at":  nullTime(e.SuspendedAt),
		"reason":        e.Reason,
		"created_at":    e.CreatedAt.UTC(),
		"updated_at":    e.UpdatedAt.UTC(),
	}, nil
}

func (repo entitlementRepository) unmarshalEntitlement(row entitlementRow) (entitlement.Entitlement, error) {
	e := entitlement.Entitlement{
		ID:           row.ID,
		UserID:       row.UserID,
		ProductID:    row.ProductID,
		ProductCode:  row.ProductCode,
		Credits:      row.Credits,
		DurationDays: row.DurationDays,
		Status:       entitlement.Status(row.Status),
		Source:       row.Source,
		OrderID:      row.OrderID.String,
		StartsAt:     timePtr(row.StartsAt),
		ExpiresAt:    timePtr(row.ExpiresAt),
		SuspendedAt:  timePtr(row.SuspendedAt),
		Reason:       row.Reason,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if err := row.Features.Unmarshal(&e.Features); err != nil {
		return entitlement.Entitlement{}, errors.Wrap(err, "decoding features")
	}
	return e, nil
}

func (repo entitlementRepository) CreateEntitlement(ctx context.Context, e entitlement.Entitlement, exec ...core.DBExecutor) (entitlement.Entitlement, error) {
	e.ID = uuid.New().String()
	vals, err := repo.entitlementValues(e)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	vals["id"] = e.ID
	if _, err = run(ctx, repo.getExec(exec), stmt.Insert("entitlements").SetMap(vals)); err != nil {
		return entitlement.Entitlement{}, errors.Wrap(err, "inserting entitlement")
	}
	return e, nil
}

func (repo entitlementRepository) UpdateEntitlement(ctx context.Context, e entitlement.Entitlement, exec ...core.DBExecutor) (entitlement.Entitlement, error) {
	vals, err := repo.entitlementValues(e)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	delete(vals, "created_at")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("entitlements").SetMap(vals).Where(sq.Eq{"id": e.ID}))
	if err != nil {
		return entitlement.Entitlement{}, errors.Wrap(err, "updating entitlement")
	}
	if cnt == 0 {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	return e, nil
}

func (repo entitlementRepository) GetEntitlement(ctx context.Context, id string, exec ...core.DBExecutor) (entitlement.Entitlement, error) {
	q := stmt.Select(entitlementColumns...).From("entitlements").Where(sq.Eq{"id": id}).Limit(1)
	var row entitlementRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return entitlement.Entitlement{}, trapNoRowsErr(err, entitlement.ErrNotFound, "finding entitlement")
	}
	return repo.unmarshalEntitlement(row)
}

func (repo entitlementRepository) QueryEntitlements(ctx context.Context, filter entitlement.EntitlementFilter, exec ...core.DBExecutor) ([]entitlement.Entitlement, error) {
	q := stmt.Select(entitlementColumns...).From("entitlements").OrderBy("created_at DESC")
	if filter.UserID != "" {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.OrderID != "" {
		q = q.Where(sq.Eq{"order_id": filter.OrderID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.ExpiresBefore != nil {
		q = q.Where(sq.And{sq.NotEq{"expires_at": nil}, sq.LtOrEq{"expires_at": filter.ExpiresBefore.UTC()}})
	}

	var rows []entitlementRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying entitlements")
	}
	ents := make([]entitlement.Entitlement, 0, len(rows))
	for _, row := range rows {
		e, err := repo.unmarshalEntitlement(row)
		if err != nil {
			return nil, err
		}
		ents = append(ents, e)
	}
	return ents, nil
}

// Credits

func (repo entitlementRepository) GetBalance(ctx context.Context, userID string, exec ...core.DBExecutor) (int, error) {
	var balance int
	q := stmt.Select("balance").From("credit_balances").Where(sq.Eq{"user_id": userID})
	if err := get(ctx, repo.getExec(exec), &balance, q); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.Wrap(err, "getting balance")
	}
	return balance, nil
}

func (repo entitlementRepository) AddCredits(ctx context.Context, userID string, n int, exec ...core.DBExecutor) (int, error) {
	q := stmt.Insert("credit_balances").
		Columns("user_id", "balance", "updated_at").
		Values(userID, n, time.Now().UTC()).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET balance = credit_balances.balance + excluded.balance, updated_at = excluded.updated_at RETURNING balance")

	var balance int
	if err := get(ctx, repo.getExec(exec), &balance, q); err != nil {
		return 0, errors.Wrap(err, "adding credits")
	}
	return balance, nil
}

func (repo entitlementRepository) DeductCredits(ctx context.Context, userID string, n int, exec ...core.DBExecutor) (int, error) {
	q := stmt.Update("credit_balances").
		Set("balance", sq.Expr("balance - ?", n)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"balance": n}).
		Suffix("RETURNING balance")

	var balance int
	if err := get(ctx, repo.getExec(exec), &balance, q); err != nil {
		return 0, trapNoRowsErr(err, entitlement.ErrInsufficientCredits, "deducting credits")
	}
	return balance, nil
}

func (repo entitlementRepository) CreateLedgerEntry(ctx context.Context, entry entitlement.LedgerEntry, exec ...core.DBExecutor) (entitlement.LedgerEntry, error) {
	entry.ID = uuid.New().String()
	q := stmt.Insert("credit_ledger").
		Columns(ledgerColumns...).
		Values(entry.ID, entry.UserID, entry.Delta, entry.Balance, entry.Reason, entry.RefType, entry.RefID, entry.CreatedAt.UTC())
	if _, err := run(ctx, repo.getExec(exec), q); err != nil {
		return entitlement.LedgerEntry{}, errors.Wrap(err, "inserting ledger entry")
	}
	return entry, nil
}

func (repo entitlementRepository) QueryLedger(ctx context.Context, userID string, exec ...core.DBExecutor) ([]entitlement.LedgerEntry, error) {
	q := stmt.Select(ledgerColumns...).From("credit_ledger").Where(sq.Eq{"user_id": userID}).OrderBy("created_at DESC")
	var rows []ledgerRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying ledger")
	}
	entries := make([]entitlement.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, entitlement.LedgerEntry{
			ID:        row.ID,
			UserID:    row.UserID,
			Delta:     row.Delta,
			Balance:   row.Balance,
			Reason:    row.Reason,
			RefType:   row.RefType,
			RefID:     row.RefID,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return entries, nil
}
