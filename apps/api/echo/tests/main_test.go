package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "github.com/tutora/tutora/apps/api/echo"
	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/assessment"
	"github.com/tutora/tutora/core/coaching"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/ratelimit"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
	assistantsvc "github.com/tutora/tutora/services/assistant"
	emailsvc "github.com/tutora/tutora/services/email"
	logsvc "github.com/tutora/tutora/services/logger"
	paymentsvc "github.com/tutora/tutora/services/payment"
	"github.com/tutora/tutora/storage/database/sqlxrepos"
	testutil "github.com/tutora/tutora/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

const strongPwd = "Sup3r-S3cret!"

type testEnv struct {
	conf    *core.Config
	db      *sqlx.DB
	app     *Server
	mail    *emailsvc.ServiceMock
	gateway *paymentsvc.Hosted

	usrRepo user.Repository
	usrSvc  user.Service
	entSvc  entitlement.Service
	asmSvc  assessment.Service
	paySvc  payment.Service
	tutSvc  tutor.Service
	coaSvc  coaching.Service
}

type envOption func(conf *core.Config)

func setup(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	conf := core.NewTestConfig()
	for _, opt := range opts {
		opt(conf)
	}

	// set up DB & repos
	db := testutil.PrepareDB(t, conf)
	env := &testEnv{
		conf:    conf,
		db:      db,
		usrRepo: sqlxrepos.NewUserRepository(db),
		gateway: paymentsvc.NewHosted(conf),
	}

	// set up services
	logger := logsvc.NewRollbarLogger(zap.NewNop(), conf)
	env.mail = emailsvc.NewServiceMock(conf, logger)
	env.usrSvc = user.NewService(db, env.usrRepo, env.mail, conf)
	env.entSvc = entitlement.NewService(db, sqlxrepos.NewEntitlementRepository(db))
	env.asmSvc = assessment.NewService(sqlxrepos.NewAssessmentRepository(db), env.usrSvc, env.entSvc, conf)
	env.paySvc = payment.NewService(db, sqlxrepos.NewPaymentRepository(db), env.gateway, env.entSvc, env.usrSvc, env.mail, conf)
	env.tutSvc = tutor.NewService(db, sqlxrepos.NewTutorRepository(db), assistantsvc.Canned{FailOn: "make it fail"}, env.usrSvc, env.entSvc, env.asmSvc, conf)
	env.coaSvc = coaching.NewService(db, sqlxrepos.NewCoachingRepository(db), env.usrSvc, env.entSvc, env.mail, conf)

	validate, translator := testutil.NewValidator()

	// set up server
	env.app = NewServer(conf, logger, &Deps{
		UserSvc:        env.usrSvc,
		AssessmentSvc:  env.asmSvc,
		EntitlementSvc: env.entSvc,
		PaymentSvc:     env.paySvc,
		TutorSvc:       env.tutSvc,
		CoachingSvc:    env.coaSvc,
		Limiter:        ratelimit.New(),
		Validate:       validate,
		Translator:     translator,
	})
	return env
}

func (env *testEnv) createUser(t *testing.T, uname string, roles ...string) user.User {
	t.Helper()
	return testutil.CreateUser(t, env.usrRepo, "User "+uname, uname, uname+"@test.cd", strongPwd, roles, true)
}

// createProduct creates an active product granting features, for free unless priced.
func (env *testEnv) createProduct(t *testing.T, code string, priceCents int64, credits int, features ...string) entitlement.Product {
	t.Helper()
	p, err := env.entSvc.CreateProduct(context.Background(), entitlement.NewProduct{
		Code:       code,
		Name:       code,
		PriceCents: priceCents,
		Currency:   "USD",
		Features:   features,
		Credits:    credits,
	})
	require.NoError(t, err)
	return p
}

// grant gives usr the features of a new free product, with credits.
func (env *testEnv) grant(t *testing.T, usr user.User, credits int, features ...string) entitlement.Entitlement {
	t.Helper()
	p := env.createProduct(t, "plan_"+usr.Username, 0, credits, features...)
	ent, err := env.entSvc.Grant(context.Background(), entitlement.NewGrant{UserID: usr.ID, ProductCode: p.Code, Reason: "test"})
	require.NoError(t, err)
	return ent
}

func (env *testEnv) link(t *testing.T, parent, student user.User) {
	t.Helper()
	require.NoError(t, env.usrSvc.LinkStudent(context.Background(), parent.ID, student.ID))
}

func (env *testEnv) token(t *testing.T, usr user.User) string {
	t.Helper()
	claims := GetUserClaims(usr, env.conf)
	token, err := GenerateToken(claims, env.conf)
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

// do serves a JSON request and returns the recorded response.
func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		data = b
	default:
		data = marchallObj(t, body)
	}
	req, rec := newAuthRequest(method, path, token, data)
	env.app.ServeHTTP(rec, req)
	return rec
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed: %v", err)
	}
	return data
}

func unmarshal(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal() failed: %v; body %s", err, rec.Body.String())
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code, "code; body %s", rec.Body.String())
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, env *testEnv, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			env.app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func truncTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
