package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/tutora/tutora/apps/api/echo"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
)

func Test_entitlementApi_products(t *testing.T) {
	env := setup(t)
	admin := env.createUser(t, "admin", user.RoleAdmin)
	parent := env.createUser(t, "parent", user.RoleParent)
	adminToken := env.token(t, admin)
	inactive := false

	basic := entitlement.NewProduct{
		Code: " Basic ", Name: "Basic", PriceCents: 1500, Currency: "usd",
		Features: []string{entitlement.FeatureDiagnostics, entitlement.FeatureDiagnostics}, Credits: 5, DurationDays: 30,
	}
	legacy := entitlement.NewProduct{
		Code: "legacy", Name: "Legacy", Currency: "USD", Features: []string{entitlement.FeaturePractice}, IsActive: &inactive,
	}
	badFeature := basic
	badFeature.Code = "other"
	badFeature.Features = []string{"teleportation"}

	var p entitlement.Product
	t.Run("admin creates", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/products", adminToken, basic)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		unmarshal(t, rec, &p)
		assert.Equal(t, "basic", p.Code)
		assert.Equal(t, "USD", p.Currency)
		assert.Equal(t, []string{entitlement.FeatureDiagnostics}, p.Features)
		assert.True(t, p.IsActive)

		rec = env.do(t, http.MethodPost, "/v1/products", adminToken, legacy)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	runHTTPTests(t, env, []httpTest{
		{
			name: "admin only", method: http.MethodPost, path: "/v1/products", token: env.token(t, parent),
			body: marchallObj(t, basic), wantCode: http.StatusForbidden,
		},
		{
			name: "duplicate code", method: http.MethodPost, path: "/v1/products", token: adminToken,
			body: marchallObj(t, basic), wantCode: http.StatusBadRequest, wantData: []byte(`{"code": "a product with this code already exists"}`),
		},
		{name: "unknown feature", method: http.MethodPost, path: "/v1/products", token: adminToken, body: marchallObj(t, badFeature), wantCode: http.StatusBadRequest},
		{
			name: "update unknown", method: http.MethodPut, path: "/v1/products/unknown", token: adminToken,
			body: marchallObj(t, basic), wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "product not found"}),
		},
	})

	t.Run("listing", func(t *testing.T) {
		var list []entitlement.Product
		rec := env.do(t, http.MethodGet, "/v1/products", env.token(t, parent), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		unmarshal(t, rec, &list)
		require.Len(t, list, 1, "inactive products are hidden")
		assert.Equal(t, "basic", list[0].Code)

		rec = env.do(t, http.MethodGet, "/v1/products", adminToken, nil)
		unmarshal(t, rec, &list)
		assert.Len(t, list, 2)
	})

	t.Run("update", func(t *testing.T) {
		upd := basic
		upd.PriceCents = 2000
		rec := env.do(t, http.MethodPut, "/v1/products/"+p.ID, adminToken, upd)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var got entitlement.Product
		unmarshal(t, rec, &got)
		assert.Equal(t, int64(2000), got.PriceCents)
		assert.Equal(t, p.ID, got.ID)
	})
}

func Test_entitlementApi_lifecycle(t *testing.T) {
	env := setup(t)
	admin := env.createUser(t, "admin", user.RoleAdmin)
	parent := env.createUser(t, "parent", user.RoleParent)
	stranger := env.createUser(t, "stranger", user.RoleParent)
	kid := env.createUser(t, "kid", user.RoleStudent)
	env.link(t, parent, kid)
	env.createProduct(t, "tutor-pack", 900, 10, entitlement.FeatureAITutor, entitlement.FeaturePractice)
	adminToken := env.token(t, admin)
	parentToken := env.token(t, parent)

	runHTTPTests(t, env, []httpTest{
		{
			name: "grant: unknown user", method: http.MethodPost, path: "/v1/entitlements", token: adminToken,
			body:     marchallObj(t, entitlement.NewGrant{UserID: "unknown", ProductCode: "tutor-pack", Reason: "gift"}),
			wantCode: http.StatusBadRequest, wantData: []byte(`{"user_id": "user not found"}`),
		},
		{
			name: "grant: unknown product", method: http.MethodPost, path: "/v1/entitlements", token: adminToken,
			body:     marchallObj(t, entitlement.NewGrant{UserID: kid.ID, ProductCode: "nope", Reason: "gift"}),
			wantCode: http.StatusBadRequest, wantData: []byte(`{"product_code": "product not found"}`),
		},
		{
			name: "grant: admin only", method: http.MethodPost, path: "/v1/entitlements", token: parentToken,
			body:     marchallObj(t, entitlement.NewGrant{UserID: kid.ID, ProductCode: "tutor-pack", Reason: "gift"}),
			wantCode: http.StatusForbidden,
		},
		{name: "access: stranger", path: "/v1/access?user_id=" + kid.ID, token: env.token(t, stranger), wantCode: http.StatusForbidden},
	})

	access := func(t *testing.T) entitlement.Access {
		t.Helper()
		rec := env.do(t, http.MethodGet, "/v1/access?user_id="+kid.ID, parentToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var acc entitlement.Access
		unmarshal(t, rec, &acc)
		return acc
	}

	var ent entitlement.Entitlement
	t.Run("grant", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/entitlements", adminToken,
			entitlement.NewGrant{UserID: kid.ID, ProductCode: "Tutor-Pack", Reason: "scholarship"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		unmarshal(t, rec, &ent)
		assert.Equal(t, entitlement.StatusActive, ent.Status)
		assert.Equal(t, entitlement.SourceGrant, ent.Source)
		assert.Nil(t, ent.ExpiresAt)

		acc := access(t)
		assert.True(t, acc.Has(entitlement.FeatureAITutor))
		assert.False(t, acc.Has(entitlement.FeatureCoaching))
		assert.Equal(t, 10, acc.Credits)
	})

	statusPath := func(action string) string { return "/v1/entitlements/" + ent.ID + "/" + action }

	t.Run("suspend & resume", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, statusPath("suspend"), adminToken, entitlement.StatusChange{Reason: "chargeback review"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.False(t, access(t).Has(entitlement.FeatureAITutor))

		rec = env.do(t, http.MethodPost, statusPath("suspend"), adminToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = env.do(t, http.MethodPost, statusPath("resume"), adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, access(t).Has(entitlement.FeatureAITutor))
	})

	t.Run("revoke claws back the remaining credits", func(t *testing.T) {
		_, err := env.entSvc.ConsumeCredits(t.Context(), kid.ID, 4, "spent", entitlement.Ref{})
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, statusPath("revoke"), adminToken, entitlement.StatusChange{Reason: "refund"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		acc := access(t)
		assert.Empty(t, acc.Features)
		assert.Equal(t, 0, acc.Credits)

		rec = env.do(t, http.MethodPost, statusPath("revoke"), adminToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"error": "invalid entitlement status transition"}`, rec.Body.String())
	})

	t.Run("list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/entitlements?user_id="+kid.ID, parentToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list []entitlement.Entitlement
		unmarshal(t, rec, &list)
		require.Len(t, list, 1)
		assert.Equal(t, entitlement.StatusRevoked, list[0].Status)
		assert.Equal(t, "refund", list[0].Reason)
	})

	runHTTPTests(t, env, []httpTest{
		{name: "unknown entitlement", method: http.MethodPost, path: "/v1/entitlements/unknown/suspend", token: adminToken, wantCode: http.StatusNotFound},
	})
}

func Test_entitlementApi_credits(t *testing.T) {
	env := setup(t)
	admin := env.createUser(t, "admin", user.RoleAdmin)
	parent := env.createUser(t, "parent", user.RoleParent)

	runHTTPTests(t, env, []httpTest{
		{
			name: "positive only", method: http.MethodPost, path: "/v1/credits", token: env.token(t, admin),
			body: marchallObj(t, entitlement.CreditGrant{UserID: parent.ID, Credits: -3, Reason: "oops"}), wantCode: http.StatusBadRequest,
		},
		{
			name: "admin only", method: http.MethodPost, path: "/v1/credits", token: env.token(t, parent),
			body: marchallObj(t, entitlement.CreditGrant{UserID: parent.ID, Credits: 3, Reason: "free"}), wantCode: http.StatusForbidden,
		},
		{
			name: "grant", method: http.MethodPost, path: "/v1/credits", token: env.token(t, admin),
			body:     marchallObj(t, entitlement.CreditGrant{UserID: parent.ID, Credits: 3, Reason: "welcome"}),
			wantCode: http.StatusOK, wantData: marchallObj(t, CreditsResponse{UserID: parent.ID, Balance: 3}),
		},
	})

	rec := env.do(t, http.MethodGet, "/v1/credits", env.token(t, parent), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CreditsResponse
	unmarshal(t, rec, &resp)
	assert.Equal(t, 3, resp.Balance)
	require.Len(t, resp.Ledger, 1)
	assert.Equal(t, 3, resp.Ledger[0].Delta)
	assert.Equal(t, "welcome", resp.Ledger[0].Reason)
	assert.Equal(t, admin.ID, resp.Ledger[0].RefID)
}
