package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardgrid/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		t.Setenv(config.PathEnv, "")

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "default", cfg.Map.Name)
		assert.NotEmpty(t, cfg.Node.ID)
	})

	t.Run("file named by the environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.yaml")
		require.NoError(t, os.WriteFile(path, []byte("node:\n  id: n7\nmap:\n  name: users\n  shard_count: 2\n"), 0o600))
		t.Setenv(config.PathEnv, path)

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "n7", cfg.Node.ID)
		assert.Equal(t, "users", cfg.Map.Name)
		assert.Equal(t, 2, cfg.Map.ShardCount)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(config.PathEnv, filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := loadConfig()
		assert.Error(t, err)
	})
}

func TestRunServesUntilCancelled(t *testing.T) {
	addr := freeAddr(t)
	cfg := testConfig("n1", func(c *config.Config) { c.Node.Listen = addr })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig("n1", func(c *config.Config) { c.Node.Listen = l.Addr().String() })
	err = run(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunRejectsBadConfig(t *testing.T) {
	cfg := testConfig("n1", func(c *config.Config) { c.Map.Consistency = "LINEARIZABLE" })
	err := run(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
