package tests

import (
	"net/http"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
)

func Test_tutorApi(t *testing.T) {
	env := setup(t)
	parent := env.createUser(t, "parent", user.RoleParent)
	kid := env.createUser(t, "kid", user.RoleStudent)
	other := env.createUser(t, "other", user.RoleStudent)
	env.link(t, parent, kid)
	kidToken := env.token(t, kid)
	otherToken := env.token(t, other)

	var conv tutor.Conversation
	t.Run("start", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/tutor/conversations", kidToken, tutor.NewConversation{Subject: "Math"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		unmarshal(t, rec, &conv)
		assert.Equal(t, kid.ID, conv.StudentID)
		assert.Equal(t, "math", conv.Subject)
		assert.Equal(t, "Math", conv.Title)
	})

	t.Run("start with an accented subject", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/v1/tutor/conversations", kidToken, tutor.NewConversation{Subject: "économie"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var c tutor.Conversation
		unmarshal(t, rec, &c)
		assert.Equal(t, "économie", c.Subject)
		assert.Equal(t, "Économie", c.Title)
		assert.True(t, utf8.ValidString(c.Title))
	})

	askPath := "/v1/tutor/conversations/" + conv.ID + "/messages"
	runHTTPTests(t, env, []httpTest{
		{name: "parent for a stranger", method: http.MethodPost, path: "/v1/tutor/conversations", token: env.token(t, parent),
			body: marchallObj(t, tutor.NewConversation{StudentID: other.ID, Subject: "math"}), wantCode: http.StatusForbidden},
		{name: "missing subject", method: http.MethodPost, path: "/v1/tutor/conversations", token: kidToken,
			body: marchallObj(t, tutor.NewConversation{}), wantCode: http.StatusBadRequest, wantData: []byte(`{"subject": "this field is required"}`)},
		{name: "not entitled", method: http.MethodPost, path: askPath, token: kidToken,
			body: marchallObj(t, tutor.NewMessage{Content: "what is 2+2?"}), wantCode: http.StatusPaymentRequired},
		{name: "other student cannot read", path: askPath, token: otherToken, wantCode: http.StatusNotFound},
	})

	env.grant(t, kid, 2, entitlement.FeatureAITutor)

	balance := func(t *testing.T) int {
		t.Helper()
		n, err := env.entSvc.Balance(t.Context(), kid.ID)
		require.NoError(t, err)
		return n
	}

	t.Run("ask", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, askPath, kidToken, tutor.NewMessage{Content: "What is 2+2?"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var msgs []tutor.Message
		unmarshal(t, rec, &msgs)
		require.Len(t, msgs, 2)
		assert.Equal(t, tutor.RoleUser, msgs[0].Role)
		assert.Equal(t, 1, msgs[0].Credits)
		assert.Equal(t, tutor.RoleAssistant, msgs[1].Role)
		assert.Contains(t, msgs[1].Content, "What is 2+2?")
		assert.Equal(t, 1, balance(t))
	})

	t.Run("assistant failure refunds", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, askPath, kidToken, tutor.NewMessage{Content: "make it fail"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"error": "the tutor is unavailable, please try again later"}`, rec.Body.String())
		assert.Equal(t, 1, balance(t))
	})

	t.Run("second question uses history", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, askPath, kidToken, tutor.NewMessage{Content: "And 3+3?"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var msgs []tutor.Message
		unmarshal(t, rec, &msgs)
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[1].Content, "(2 earlier messages)")
		assert.Equal(t, 0, balance(t))
	})

	runHTTPTests(t, env, []httpTest{
		{name: "out of credits", method: http.MethodPost, path: askPath, token: kidToken,
			body: marchallObj(t, tutor.NewMessage{Content: "one more"}), wantCode: http.StatusPaymentRequired},
	})

	t.Run("messages", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, askPath, env.token(t, kid), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var msgs []tutor.Message
		unmarshal(t, rec, &msgs)
		require.Len(t, msgs, 4)
		assert.Equal(t, "What is 2+2?", msgs[0].Content)
		assert.Equal(t, "And 3+3?", msgs[2].Content)
	})

	t.Run("list and delete", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/v1/tutor/conversations", kidToken, nil)
		var list []tutor.Conversation
		unmarshal(t, rec, &list)
		require.Len(t, list, 2)
		assert.ElementsMatch(t, []string{"Math", "Économie"}, []string{list[0].Title, list[1].Title})

		rec = env.do(t, http.MethodDelete, "/v1/tutor/conversations/"+conv.ID, otherToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = env.do(t, http.MethodDelete, "/v1/tutor/conversations/"+conv.ID, kidToken, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		rec = env.do(t, http.MethodGet, askPath, kidToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func Test_tutorApi_storageFailure(t *testing.T) {
	env := setup(t)
	kid := env.createUser(t, "kid", user.RoleStudent)
	kidToken := env.token(t, kid)
	env.grant(t, kid, 3, entitlement.FeatureAITutor)

	conv, err := env.tutSvc.StartConversation(t.Context(), kid, tutor.NewConversation{Subject: "math"})
	require.NoError(t, err)

	_, err = env.db.Exec(`CREATE TRIGGER reject_messages BEFORE INSERT ON tutor_messages
BEGIN SELECT RAISE(ABORT, 'storage unavailable'); END`)
	require.NoError(t, err)

	askPath := "/v1/tutor/conversations/" + conv.ID + "/messages"
	rec := env.do(t, http.MethodPost, askPath, kidToken, tutor.NewMessage{Content: "What is 2+2?"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	n, err := env.entSvc.Balance(t.Context(), kid.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "a question that could not be stored is refunded")

	msgs, err := env.tutSvc.Messages(t.Context(), kid, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
