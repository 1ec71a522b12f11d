package bootstrap

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/pantry-auth/internal/repository"
)

func TestEnsureUserIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	require.NoError(t, ensureUser(ctx, "dev@pantry.test", store.Users(), node, logger))
	first, err := store.Users().FindByEmail(ctx, "dev@pantry.test")
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, ensureUser(ctx, "dev@pantry.test", store.Users(), node, logger))
	second, err := store.Users().FindByEmail(ctx, "dev@pantry.test")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
