// Package paymentsvc implements the payment gateways.
package paymentsvc

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/signing"
)

const (
	GatewayHosted = "hosted"

	checkoutSalt = "tutora.payment.checkout"
	webhookSalt  = "tutora.payment.webhook"
)

// Hosted is a gateway whose checkout page is served by the frontend.
// The page's processor notifies payments with webhooks signed with Payment.WebhookSecret.
type Hosted struct {
	baseURL   string
	checkout  *signing.Signer
	webhook   *signing.Signer
	tolerance time.Duration
	maxAge    time.Duration
}

var _ payment.Gateway = (*Hosted)(nil)

func NewHosted(conf *core.Config) *Hosted {
	return &Hosted{
		baseURL:   conf.FrontendBaseURL,
		checkout:  signing.New(conf.SecretKey, checkoutSalt),
		webhook:   signing.New(conf.Payment.WebhookSecret, webhookSalt),
		tolerance: conf.Payment.WebhookTolerance,
		maxAge:    24 * time.Hour,
	}
}

func (g *Hosted) Name() string { return GatewayHosted }

func (g *Hosted) CreateCheckout(_ context.Context, o payment.Order) (payment.Checkout, error) {
	ref := "chk_" + uuid.New().String()
	q := url.Values{"token": {g.checkout.Sign(o.ID)}}
	return payment.Checkout{
		Ref: ref,
		URL: g.baseURL + "/checkout/" + ref + "?" + q.Encode(),
	}, nil
}

// VerifyCheckoutToken returns the order ID held by the token of a checkout URL.
func (g *Hosted) VerifyCheckoutToken(token string) (string, error) {
	return g.checkout.Verify(token, g.maxAge)
}

func (g *Hosted) ParseEvent(payload []byte, signatureHeader string) (payment.Event, error) {
	if err := g.webhook.VerifyPayload(payload, signatureHeader, g.tolerance); err != nil {
		return payment.Event{}, errors.Wrap(payment.ErrInvalidEvent, err.Error())
	}

	var ev payment.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payment.Event{}, errors.Wrap(payment.ErrInvalidEvent, "decoding payload")
	}
	if ev.ID == "" || (ev.OrderID == "" && ev.GatewayRef == "") {
		return payment.Event{}, payment.ErrInvalidEvent
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev, nil
}

// SignEvent encodes ev and returns its payload and signature header, as the processor sends them.
func (g *Hosted) SignEvent(ev payment.Event) ([]byte, string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, "", errors.Wrap(err, "encoding event")
	}
	return payload, g.webhook.SignPayload(payload, g.webhook.Now()), nil
}

// Refund is settled by the processor; the refund is recorded locally.
func (g *Hosted) Refund(context.Context, payment.Order) error {
	return nil
}

func NewGateway(conf *core.Config) (payment.Gateway, error) {
	switch conf.Payment.Gateway {
	case GatewayHosted, "":
		return NewHosted(conf), nil
	}
	return nil, errors.Errorf("unknown payment gateway %q", conf.Payment.Gateway)
}
