package app

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/internal/config"
	"github.com/cartofabric/fabric/pkg/circuitbreaker"
	"github.com/cartofabric/fabric/pkg/store"
	"github.com/cartofabric/fabric/pkg/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegisterUpstreams_SkipsUnconfigured(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), testLogger(), nil)
	pool := upstream.NewPool(testLogger(), breakers)

	cfg := &config.Config{
		AuthServiceURL:    "http://identity.local",
		HealthServiceURL:  "",
		MetricsServiceURL: "http://metrics.local",
	}
	registerUpstreams(pool, cfg)

	require.NoError(t, pool.InitializeAll())

	_, err := pool.Request(t.Context(), upstream.Health, upstream.Request{Method: "GET", Path: "/"})
	assert.Error(t, err, "an upstream with no configured base URL should never have been registered")
}

func TestBuildChannelAdapters(t *testing.T) {
	t.Run("email only without a slack token", func(t *testing.T) {
		channels := buildChannelAdapters(&config.Config{ResendAPIKey: "key", EmailFrom: "noreply@example.com"}, testLogger())

		assert.Contains(t, channels, "email")
		assert.NotContains(t, channels, "chat_dm")
		assert.NotContains(t, channels, "chat_channel")
	})

	t.Run("adds chat_dm and chat_channel once a bot token and alert channel are configured", func(t *testing.T) {
		channels := buildChannelAdapters(&config.Config{
			SlackBotToken:     "xoxb-test",
			SlackAlertChannel: "#alerts",
		}, testLogger())

		assert.Contains(t, channels, "email")
		assert.Contains(t, channels, "chat_dm")
		assert.Contains(t, channels, "chat_channel")
	})

	t.Run("skips chat_channel when no alert channel is set", func(t *testing.T) {
		channels := buildChannelAdapters(&config.Config{SlackBotToken: "xoxb-test"}, testLogger())

		assert.Contains(t, channels, "chat_dm")
		assert.NotContains(t, channels, "chat_channel")
	})
}

func TestBuildIdentityProvider(t *testing.T) {
	users := store.NewUsers(nil)

	t.Run("defaults to local", func(t *testing.T) {
		provider, err := buildIdentityProvider(t.Context(), &config.Config{}, nil, users, testLogger())
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("clerk and workos select the cloud provider", func(t *testing.T) {
		for _, auth := range []string{"clerk", "workos"} {
			provider, err := buildIdentityProvider(t.Context(), &config.Config{AuthProvider: auth}, nil, users, testLogger())
			require.NoError(t, err)
			assert.NotNil(t, provider)
		}
	})

	t.Run("rejects an unknown provider", func(t *testing.T) {
		_, err := buildIdentityProvider(t.Context(), &config.Config{AuthProvider: "bogus"}, nil, users, testLogger())
		assert.Error(t, err)
	})
}
