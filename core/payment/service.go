package payment

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
)

type (
	Repository interface {
		CreateOrder(ctx context.Context, o Order, exec ...core.DBExecutor) (Order, error)
		UpdateOrder(ctx context.Context, o Order, exec ...core.DBExecutor) (Order, error)
		GetOrder(ctx context.Context, id string, exec ...core.DBExecutor) (Order, error)
		QueryOrders(ctx context.Context, filter OrderFilter, exec ...core.DBExecutor) ([]Order, error)
		// RecordEvent stores the event ID and reports false when it was already stored.
		RecordEvent(ctx context.Context, ev Event, exec ...core.DBExecutor) (bool, error)
	}

	Service interface {
		// Checkout creates a pending order and entitlement, and registers the order with the gateway.
		Checkout(ctx context.Context, buyer user.User, nc NewCheckout) (Order, error)
		ParseEvent(payload []byte, signatureHeader string) (Event, error)
		// HandleEvent applies a gateway event. Events are applied at most once.
		HandleEvent(ctx context.Context, ev Event) error
		MarkPaid(ctx context.Context, actor user.User, id string) (Order, error)
		Refund(ctx context.Context, actor user.User, id string) (Order, error)
		Cancel(ctx context.Context, actor user.User, id string) (Order, error)
		GetOrder(ctx context.Context, id string) (Order, error)
		QueryOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	}

	service struct {
		db             core.DB
		repo           Repository
		gateway        Gateway
		entitlementSvc entitlement.Service
		userSvc        user.Service
		mailSvc        core.EmailService
		conf           *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(
	db core.DB,
	repo Repository,
	gateway Gateway,
	entitlementSvc entitlement.Service,
	userSvc user.Service,
	mailSvc core.EmailService,
	conf *core.Config,
) Service {
	return &service{
		db:             db,
		repo:           repo,
		gateway:        gateway,
		entitlementSvc: entitlementSvc,
		userSvc:        userSvc,
		mailSvc:        mailSvc,
		conf:           conf,
	}
}

func (svc *service) Checkout(ctx context.Context, buyer user.User, nc NewCheckout) (Order, error) {
	product, err := svc.entitlementSvc.GetProductByCode(ctx, nc.ProductCode)
	if err != nil {
		if errors.Cause(err) == entitlement.ErrProductNotFound {
			return Order{}, core.NewFieldError("product_code", err.Error())
		}
		return Order{}, errors.Wrap(err, "finding product")
	}
	if !product.IsActive {
		return Order{}, core.NewFieldError("product_code", ErrProductInactive.Error())
	}

	if nc.BeneficiaryID == "" {
		nc.BeneficiaryID = buyer.ID
	}
	ok, err := svc.userSvc.CanActFor(ctx, buyer, nc.BeneficiaryID)
	if err != nil {
		return Order{}, errors.Wrap(err, "checking guardianship")
	}
	if !ok {
		return Order{}, core.ErrForbidden
	}

	var order Order
	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		now := time.Now().UTC()
		order, err = svc.repo.CreateOrder(ctx, Order{
			BuyerID:       buyer.ID,
			BeneficiaryID: nc.BeneficiaryID,
			ProductID:     product.ID,
			ProductCode:   product.Code,
			AmountCents:   product.PriceCents,
			Currency:      product.Currency,
			Status:        StatusPending,
			Gateway:       svc.gateway.Name(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}, exec)
		if err != nil {
			return errors.Wrap(err, "creating order")
		}

		ent, err := svc.entitlementSvc.CreatePending(ctx, nc.BeneficiaryID, product, order.ID, exec)
		if err != nil {
			return errors.Wrap(err, "creating entitlement")
		}
		order.EntitlementID = ent.ID

		if order.AmountCents == 0 { // nothing to collect
			order.Gateway = GatewayManual
			return svc.pay(ctx, &order, "free plan", exec)
		}

		co, err := svc.gateway.CreateCheckout(ctx, order)
		if err != nil {
			return errors.Wrap(err, "creating checkout")
		}
		order.GatewayRef = co.Ref
		order.CheckoutURL = co.URL
		order, err = svc.repo.UpdateOrder(ctx, order, exec)
		return errors.Wrap(err, "updating order")
	})
	if err != nil {
		return Order{}, err
	}
	if order.Status == StatusPaid {
		svc.sendReceipt(ctx, order, product)
	}
	return order, nil
}

// pay marks the order paid and activates its entitlement.
func (svc *service) pay(ctx context.Context, order *Order, reason string, exec core.DBExecutor) error {
	if err := order.transition(StatusPaid, time.Now().UTC()); err != nil {
		return err
	}
	o, err := svc.repo.UpdateOrder(ctx, *order, exec)
	if err != nil {
		return errors.Wrap(err, "updating order")
	}
	*order = o
	if order.EntitlementID == "" {
		return nil
	}
	_, err = svc.entitlementSvc.Activate(ctx, order.EntitlementID, reason, exec)
	return errors.Wrap(err, "activating entitlement")
}

// close moves the order to a failed, refunded or canceled status and revokes its entitlement.
func (svc *service) close(ctx context.Context, order *Order, to Status, reason string, exec core.DBExecutor) error {
	if err := order.transition(to, time.Now().UTC()); err != nil {
		return err
	}
	o, err := svc.repo.UpdateOrder(ctx, *order, exec)
	if err != nil {
		return errors.Wrap(err, "updating order")
	}
	*order = o
	if order.EntitlementID == "" {
		return nil
	}
	_, err = svc.entitlementSvc.Revoke(ctx, order.EntitlementID, reason, exec)
	if errors.Cause(err) == entitlement.ErrInvalidTransition { // already revoked or expired
		return nil
	}
	return errors.Wrap(err, "revoking entitlement")
}

func (svc *service) ParseEvent(payload []byte, signatureHeader string) (Event, error) {
	return svc.gateway.ParseEvent(payload, signatureHeader)
}

func (svc *service) HandleEvent(ctx context.Context, ev Event) error {
	target, ok := ev.target()
	if !ok || ev.ID == "" {
		return ErrInvalidEvent
	}

	var (
		order Order
		paid  bool
	)
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		fresh, err := svc.repo.RecordEvent(ctx, ev, exec)
		if err != nil {
			return errors.Wrap(err, "recording event")
		}
		if !fresh {
			return nil
		}

		if order, err = svc.findEventOrder(ctx, ev, exec); err != nil {
			return err
		}
		if order.Status == target {
			return nil
		}
		if ev.AmountCents != order.AmountCents {
			return ErrAmountMismatch
		}

		switch target {
		case StatusPaid:
			paid = true
			return svc.pay(ctx, &order, "payment "+ev.ID, exec)
		default:
			return svc.close(ctx, &order, target, ev.Type+" "+ev.ID, exec)
		}
	})
	if err != nil {
		return err
	}
	if paid {
		svc.sendReceiptFor(ctx, order)
	}
	return nil
}

func (svc *service) findEventOrder(ctx context.Context, ev Event, exec core.DBExecutor) (Order, error) {
	if ev.OrderID != "" {
		return svc.repo.GetOrder(ctx, ev.OrderID, exec)
	}
	if ev.GatewayRef == "" {
		return Order{}, ErrInvalidEvent
	}
	orders, err := svc.repo.QueryOrders(ctx, OrderFilter{GatewayRef: ev.GatewayRef}, exec)
	if err != nil {
		return Order{}, errors.Wrap(err, "finding order")
	}
	if len(orders) == 0 {
		return Order{}, ErrNotFound
	}
	return orders[0], nil
}

func (svc *service) MarkPaid(ctx context.Context, actor user.User, id string) (Order, error) {
	if !actor.IsAdmin() {
		return Order{}, core.ErrForbidden
	}
	var order Order
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if order, err = svc.repo.GetOrder(ctx, id, exec); err != nil {
			return err
		}
		order.Gateway = GatewayManual
		return svc.pay(ctx, &order, "marked paid by "+actor.ID, exec)
	})
	if err != nil {
		return Order{}, err
	}
	svc.sendReceiptFor(ctx, order)
	return order, nil
}

func (svc *service) Refund(ctx context.Context, actor user.User, id string) (Order, error) {
	if !actor.IsAdmin() {
		return Order{}, core.ErrForbidden
	}
	order, err := svc.repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if order.Status != StatusPaid {
		return Order{}, ErrInvalidTransition
	}
	if order.Gateway != GatewayManual {
		if err = svc.gateway.Refund(ctx, order); err != nil {
			return Order{}, errors.Wrap(err, "refunding with gateway")
		}
	}

	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		if order, err = svc.repo.GetOrder(ctx, id, exec); err != nil {
			return err
		}
		if order.Status == StatusRefunded { // the gateway's webhook came first
			return nil
		}
		return svc.close(ctx, &order, StatusRefunded, "refunded by "+actor.ID, exec)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (svc *service) Cancel(ctx context.Context, actor user.User, id string) (Order, error) {
	var order Order
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if order, err = svc.repo.GetOrder(ctx, id, exec); err != nil {
			return err
		}
		if order.BuyerID != actor.ID && !actor.IsAdmin() {
			return core.ErrForbidden
		}
		return svc.close(ctx, &order, StatusCanceled, "order canceled", exec)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (svc *service) GetOrder(ctx context.Context, id string) (Order, error) {
	return svc.repo.GetOrder(ctx, id)
}

func (svc *service) QueryOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	return svc.repo.QueryOrders(ctx, filter)
}

func (svc *service) sendReceiptFor(ctx context.Context, order Order) {
	product, err := svc.entitlementSvc.GetProduct(ctx, order.ProductID)
	if err != nil {
		product = entitlement.Product{Code: order.ProductCode, Name: order.ProductCode}
	}
	svc.sendReceipt(ctx, order, product)
}

func (svc *service) sendReceipt(ctx context.Context, order Order, product entitlement.Product) {
	buyer, err := svc.userSvc.GetByID(ctx, order.BuyerID)
	if err != nil || buyer.Email == "" {
		return
	}
	name := buyer.Name
	if name == "" {
		name = buyer.Username
	}
	amount := FormatAmount(order.AmountCents, order.Currency)
	paidAt := order.UpdatedAt
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}

	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: name, Address: buyer.Email}},
		Subject:      "Payment Receipt",
		TemplateName: "payment_receipt",
		TemplateData: map[string]interface{}{
			"Name":    name,
			"Product": product.Name,
			"Amount":  amount,
			"OrderID": order.ID,
			"PaidAt":  paidAt.Format("Jan 2, 2006"),
		},
	}

	var receipt strings.Builder
	fmt.Fprintf(&receipt, "%s\nReceipt for order %s\n\n", svc.conf.AppName, order.ID)
	fmt.Fprintf(&receipt, "Product: %s (%s)\n", product.Name, product.Code)
	fmt.Fprintf(&receipt, "Amount:  %s\n", amount)
	fmt.Fprintf(&receipt, "Paid:    %s\n", paidAt.Format(time.RFC3339))
	if err = msg.Attach(strings.NewReader(receipt.String()), "receipt-"+order.ID+".txt", "text/plain"); err != nil {
		return
	}
	svc.mailSvc.SendMessages(msg)
}

// FormatAmount formats cents as a decimal amount followed by the currency code, eg. 12.50 USD.
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}
