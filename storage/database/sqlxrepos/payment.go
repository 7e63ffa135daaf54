package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/payment"
)

var orderColumns = []string{
	"id", "buyer_id", "beneficiary_id", "product_id", "product_code", "amount_cents", "currency", "status",
	"gateway", "gateway_ref", "checkout_url", "entitlement_id", "paid_at", "created_at", "updated_at",
}

type orderRow struct {
	ID            string      `db:"id"`
	BuyerID       string      `db:"buyer_id"`
	BeneficiaryID string      `db:"beneficiary_id"`
	ProductID     string      `db:"product_id"`
	ProductCode   string      `db:"product_code"`
	AmountCents   int64       `db:"amount_cents"`
	Currency      string      `db:"currency"`
	Status        string      `db:"status"`
	Gateway       string      `db:"gateway"`
	GatewayRef    null.String `db:"gateway_ref"`
	CheckoutURL   string      `db:"checkout_url"`
	EntitlementID null.String `db:"entitlement_id"`
	PaidAt        null.Time   `db:"paid_at"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

type paymentRepository struct {
	baseRepo
}

var _ payment.Repository = (*paymentRepository)(nil) // interface compliance check

func NewPaymentRepository(exec core.DBExecutor) *paymentRepository {
	return &paymentRepository{baseRepo{exec: exec}}
}

func (repo paymentRepository) values(o payment.Order) map[string]interface{} {
	return map[string]interface{}{
		"buyer_id":       o.BuyerID,
		"beneficiary_id": o.BeneficiaryID,
		"product_id":     o.ProductID,
		"product_code":   o.ProductCode,
		"amount_cents":   o.AmountCents,
		"currency":       o.Currency,
		"status":         string(o.Status),
		"gateway":        o.Gateway,
		"gateway_ref":    null.NewString(o.GatewayRef, o.GatewayRef != ""),
		"checkout_url":   o.CheckoutURL,
		"entitlement_id": null.NewString(o.EntitlementID, o.EntitlementID != ""),
		"paid_at":        nullTime(o.PaidAt),
		"created_at":     o.CreatedAt.UTC(),
		"updated_at":     o.UpdatedAt.UTC(),
	}
}

func (repo paymentRepository) unmarshal(row orderRow) payment.Order {
	return payment.Order{
		ID:            row.ID,
		BuyerID:       row.BuyerID,
		BeneficiaryID: row.BeneficiaryID,
		ProductID:     row.ProductID,
		ProductCode:   row.ProductCode,
		AmountCents:   row.AmountCents,
		Currency:      row.Currency,
		Status:        payment.Status(row.Status),
		Gateway:       row.Gateway,
		GatewayRef:    row.GatewayRef.String,
		CheckoutURL:   row.CheckoutURL,
		EntitlementID: row.EntitlementID.String,
		PaidAt:        timePtr(row.PaidAt),
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
}

func (repo paymentRepository) CreateOrder(ctx context.Context, o payment.Order, exec ...core.DBExecutor) (payment.Order, error) {
	o.ID = uuid.New().String()
	vals := repo.values(o)
	vals["id"] = o.ID
	if _, err := run(ctx, repo.getExec(exec), stmt.Insert("orders").SetMap(vals)); err != nil {
		return payment.Order{}, errors.Wrap(err, "inserting order")
	}
	return o, nil
}

func (repo paymentRepository) UpdateOrder(ctx context.Context, o payment.Order, exec ...core.DBExecutor) (payment.Order, error) {
	vals := repo.values(o)
	delete(vals, "created_at")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("orders").SetMap(vals).Where(sq.Eq{"id": o.ID}))
	if err != nil {
		return payment.Order{}, errors.Wrap(err, "updating order")
	}
	if cnt == 0 {
		return payment.Order{}, payment.ErrNotFound
	}
	return o, nil
}

func (repo paymentRepository) GetOrder(ctx context.Context, id string, exec ...core.DBExecutor) (payment.Order, error) {
	q := stmt.Select(orderColumns...).From("orders").Where(sq.Eq{"id": id}).Limit(1)
	var row orderRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return payment.Order{}, trapNoRowsErr(err, payment.ErrNotFound, "finding order")
	}
	return repo.unmarshal(row), nil
}

func (repo paymentRepository) QueryOrders(ctx context.Context, filter payment.OrderFilter, exec ...core.DBExecutor) ([]payment.Order, error) {
	q := stmt.Select(orderColumns...).From("orders").OrderBy("created_at DESC")
	if filter.BuyerID != "" {
		q = q.Where(sq.Eq{"buyer_id": filter.BuyerID})
	}
	if filter.BeneficiaryID != "" {
		q = q.Where(sq.Eq{"beneficiary_id": filter.BeneficiaryID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.GatewayRef != "" {
		q = q.Where(sq.Eq{"gateway_ref": filter.GatewayRef})
	}

	var rows []orderRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying orders")
	}
	orders := make([]payment.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, repo.unmarshal(row))
	}
	return orders, nil
}

func (repo paymentRepository) RecordEvent(ctx context.Context, ev payment.Event, exec ...core.DBExecutor) (bool, error) {
	q := stmt.Insert("payment_events").
		Columns("id", "type", "order_id", "gateway_ref", "amount_cents", "created_at", "processed_at").
		Values(ev.ID, ev.Type, ev.OrderID, ev.GatewayRef, ev.AmountCents, ev.CreatedAt.UTC(), time.Now().UTC()).
		Suffix("ON CONFLICT (id) DO NOTHING")
	cnt, err := run(ctx, repo.getExec(exec), q)
	if err != nil {
		return false, errors.Wrap(err, "recording payment event")
	}
	return cnt > 0, nil
}
