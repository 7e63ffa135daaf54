package tests

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/tutora/tutora/apps/api/echo"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/user"
)

func (env *testEnv) postEvent(t *testing.T, ev payment.Event, tamper ...func(payload []byte) []byte) *httptest.ResponseRecorder {
	t.Helper()
	payload, sig, err := env.gateway.SignEvent(ev)
	require.NoError(t, err)
	for _, fn := range tamper {
		payload = fn(payload)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	rec := httptest.NewRecorder()
	env.app.ServeHTTP(rec, req)
	return rec
}

func Test_paymentApi_checkoutAndWebhook(t *testing.T) {
	env := setup(t)
	parent := env.createUser(t, "parent", user.RoleParent)
	stranger := env.createUser(t, "stranger", user.RoleParent)
	kid := env.createUser(t, "kid", user.RoleStudent)
	env.link(t, parent, kid)
	env.createProduct(t, "premium", 2500, 20, entitlement.FeatureAITutor)
	parentToken := env.token(t, parent)

	runHTTPTests(t, env, []httpTest{
		{
			name: "unknown product", method: http.MethodPost, path: "/v1/orders", token: parentToken,
			body:     marchallObj(t, payment.NewCheckout{ProductCode: "nope"}),
			wantCode: http.StatusBadRequest, wantData: []byte(`{"product_code": "product not found"}`),
		},
		{
			name: "not their student", method: http.MethodPost, path: "/v1/orders", token: env.token(t, stranger),
			body: marchallObj(t, payment.NewCheckout{ProductCode: "premium", BeneficiaryID: kid.ID}), wantCode: http.StatusForbidden,
		},
	})

	var order payment.Order
	t.Run("checkout", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/orders", parentToken, payment.NewCheckout{ProductCode: "premium", BeneficiaryID: kid.ID})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		unmarshal(t, rec, &order)
		assert.Equal(t, payment.StatusPending, order.Status)
		assert.Equal(t, int64(2500), order.AmountCents)
		assert.Equal(t, "hosted", order.Gateway)
		assert.True(t, strings.HasPrefix(order.GatewayRef, "chk_"))
		assert.True(t, strings.HasPrefix(order.CheckoutURL, env.conf.FrontendBaseURL+"/checkout/"+order.GatewayRef))
		assert.NotEmpty(t, order.EntitlementID)

		acc, err := env.entSvc.Resolve(t.Context(), kid.ID, order.CreatedAt)
		require.NoError(t, err)
		assert.False(t, acc.Has(entitlement.FeatureAITutor), "pending until paid")
	})

	paid := payment.Event{ID: "evt_1", Type: payment.EventSucceeded, GatewayRef: order.GatewayRef, AmountCents: 2500}

	t.Run("tampered payload is rejected", func(t *testing.T) {
		rec := env.postEvent(t, paid, func(p []byte) []byte { return bytes.Replace(p, []byte("2500"), []byte("1"), 1) })
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error": "invalid payment event"}`, rec.Body.String())
	})

	t.Run("amount mismatch is rejected and can be retried", func(t *testing.T) {
		wrong := paid
		wrong.ID = "evt_0"
		wrong.AmountCents = 100
		rec := env.postEvent(t, wrong)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("payment succeeded", func(t *testing.T) {
		rec := env.postEvent(t, paid)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got, err := env.paySvc.GetOrder(t.Context(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPaid, got.Status)
		assert.NotNil(t, got.PaidAt)

		acc, err := env.entSvc.Resolve(t.Context(), kid.ID, *got.PaidAt)
		require.NoError(t, err)
		assert.True(t, acc.Has(entitlement.FeatureAITutor))
		assert.Equal(t, 20, acc.Credits)

		msgs := env.mail.SentMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, parent.Email, msgs[0].To[0].Address)
		assert.Len(t, msgs[0].Attachments, 1)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		rec := env.postEvent(t, paid)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		bal, err := env.entSvc.Balance(t.Context(), kid.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, bal, "credits are granted once")
		assert.Len(t, env.mail.SentMessages(), 1)
	})

	runHTTPTests(t, env, []httpTest{
		{name: "paid order cannot be canceled", method: http.MethodPost, path: "/v1/orders/" + order.ID + "/cancel", token: parentToken, wantCode: http.StatusConflict},
		{name: "stranger cannot read", path: "/v1/orders/" + order.ID, token: env.token(t, stranger), wantCode: http.StatusNotFound},
		{name: "beneficiary can read", path: "/v1/orders/" + order.ID, token: env.token(t, kid), wantCode: http.StatusOK},
	})

	t.Run("refund event revokes", func(t *testing.T) {
		_, err := env.entSvc.ConsumeCredits(t.Context(), kid.ID, 15, "spent", entitlement.Ref{})
		require.NoError(t, err)

		rec := env.postEvent(t, payment.Event{ID: "evt_2", Type: payment.EventRefunded, OrderID: order.ID, AmountCents: 2500})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got, err := env.paySvc.GetOrder(t.Context(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusRefunded, got.Status)
		ent, err := env.entSvc.GetEntitlement(t.Context(), order.EntitlementID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusRevoked, ent.Status)
		bal, err := env.entSvc.Balance(t.Context(), kid.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, bal, "claw-back is bounded by the balance")
	})
}

func Test_paymentApi_orders(t *testing.T) {
	env := setup(t)
	admin := env.createUser(t, "admin", user.RoleAdmin)
	parent := env.createUser(t, "parent", user.RoleParent)
	other := env.createUser(t, "other", user.RoleParent)
	env.createProduct(t, "free", 0, 2, entitlement.FeaturePractice)
	env.createProduct(t, "paid", 1000, 0, entitlement.FeatureDiagnostics)
	adminToken := env.token(t, admin)
	parentToken := env.token(t, parent)

	t.Run("free plans are paid at once", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/orders", parentToken, payment.NewCheckout{ProductCode: "free"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var order payment.Order
		unmarshal(t, rec, &order)
		assert.Equal(t, payment.StatusPaid, order.Status)
		assert.Equal(t, payment.GatewayManual, order.Gateway)
		assert.Empty(t, order.CheckoutURL)
	})

	var pending, canceled payment.Order
	for _, o := range []*payment.Order{&pending, &canceled} {
		rec := env.do(t, http.MethodPost, "/v1/orders", parentToken, payment.NewCheckout{ProductCode: "paid"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		unmarshal(t, rec, o)
	}
	otherRec := env.do(t, http.MethodPost, "/v1/orders", env.token(t, other), payment.NewCheckout{ProductCode: "paid"})
	require.Equal(t, http.StatusCreated, otherRec.Code)

	runHTTPTests(t, env, []httpTest{
		{name: "other buyer cannot cancel", method: http.MethodPost, path: "/v1/orders/" + canceled.ID + "/cancel", token: env.token(t, other), wantCode: http.StatusForbidden},
		{name: "cancel", method: http.MethodPost, path: "/v1/orders/" + canceled.ID + "/cancel", token: parentToken, wantCode: http.StatusOK},
		{name: "mark-paid: admin only", method: http.MethodPost, path: "/v1/orders/" + pending.ID + "/mark-paid", token: parentToken, wantCode: http.StatusForbidden},
		{name: "refund pending", method: http.MethodPost, path: "/v1/orders/" + pending.ID + "/refund", token: adminToken, wantCode: http.StatusConflict},
		{name: "mark-paid", method: http.MethodPost, path: "/v1/orders/" + pending.ID + "/mark-paid", token: adminToken, wantCode: http.StatusOK},
		{name: "mark-paid twice", method: http.MethodPost, path: "/v1/orders/" + pending.ID + "/mark-paid", token: adminToken, wantCode: http.StatusConflict},
		{name: "refund", method: http.MethodPost, path: "/v1/orders/" + pending.ID + "/refund", token: adminToken, wantCode: http.StatusOK},
		{name: "invalid status filter", path: "/v1/orders?status=lost", token: parentToken, wantCode: http.StatusBadRequest},
	})

	t.Run("buyers see their orders", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/orders", parentToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var orders []payment.Order
		unmarshal(t, rec, &orders)
		assert.Len(t, orders, 3)

		rec = env.do(t, http.MethodGet, "/v1/orders?status=canceled", parentToken, nil)
		unmarshal(t, rec, &orders)
		require.Len(t, orders, 1)
		assert.Equal(t, canceled.ID, orders[0].ID)
	})

	t.Run("admins see all", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/orders", adminToken, nil)
		var orders []payment.Order
		unmarshal(t, rec, &orders)
		assert.Len(t, orders, 4)
	})
}
