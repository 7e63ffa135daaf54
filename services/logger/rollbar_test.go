package logsvc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/user"
)

func TestRollbarLogger(t *testing.T) {
	conf := core.NewTestConfig()
	zc, logs := observer.New(zap.DebugLevel)
	logger := NewRollbarLogger(zap.New(zc), conf)

	usr := user.User{ID: "u-1", Username: "alice"}
	logger.Error("charging order", errors.New("gateway down"), map[string]interface{}{"order_id": "o-1"}, usr)
	logger.Info("started")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "charging order", entries[0].Message)
	assert.Equal(t, "gateway down", ctx["error"])
	assert.Equal(t, "o-1", ctx["order_id"])
	assert.Equal(t, "u-1", ctx["user_id"])
	assert.Contains(t, ctx["trace"], "gateway down")

	assert.Equal(t, "started", entries[1].Message)
	assert.Empty(t, entries[1].Context)
}
