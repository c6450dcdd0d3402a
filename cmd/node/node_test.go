package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardgrid/internal/cluster"
	"github.com/dreamware/shardgrid/internal/config"
	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/nonstop"
	"github.com/dreamware/shardgrid/internal/shard"
)

func testConfig(id string, mutate ...func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Map.ShardCount = 4
	cfg.NonStop.Timeout = 2 * time.Second
	for _, m := range mutate {
		m(cfg)
	}
	cfg.PopulateDefaults()
	return cfg
}

func newTestNode(t *testing.T, id string, mutate ...func(*config.Config)) (*Node, *httptest.Server) {
	t.Helper()
	n, err := NewNode(testConfig(id, mutate...), zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(n.Routes())
	t.Cleanup(srv.Close)
	return n, srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestMapEndpoints(t *testing.T) {
	_, srv := newTestNode(t, "n1")

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "get missing", method: http.MethodGet, path: "/map/user:1", wantStatus: http.StatusNotFound},
		{name: "put", method: http.MethodPut, path: "/map/user:1", body: "alice", wantStatus: http.StatusNoContent},
		{name: "get", method: http.MethodGet, path: "/map/user:1", wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "overwrite", method: http.MethodPut, path: "/map/user:1", body: "bob", wantStatus: http.StatusNoContent},
		{name: "get overwritten", method: http.MethodGet, path: "/map/user:1", wantStatus: http.StatusOK, wantBody: "bob"},
		{name: "key with slashes", method: http.MethodPut, path: "/map/doc/a/b", body: "nested", wantStatus: http.StatusNoContent},
		{name: "get key with slashes", method: http.MethodGet, path: "/map/doc/a/b", wantStatus: http.StatusOK, wantBody: "nested"},
		{name: "empty value", method: http.MethodPut, path: "/map/empty", body: "", wantStatus: http.StatusNoContent},
		{name: "get empty value", method: http.MethodGet, path: "/map/empty", wantStatus: http.StatusOK, wantBody: ""},
		{name: "delete", method: http.MethodDelete, path: "/map/user:1", wantStatus: http.StatusNoContent},
		{name: "get deleted", method: http.MethodGet, path: "/map/user:1", wantStatus: http.StatusNotFound},
		{name: "delete missing", method: http.MethodDelete, path: "/map/user:1", wantStatus: http.StatusNoContent},
		{name: "bad ttl", method: http.MethodPut, path: "/map/k?ttl=soon", body: "v", wantStatus: http.StatusBadRequest},
		{name: "negative tti", method: http.MethodPut, path: "/map/k?tti=-1", body: "v", wantStatus: http.StatusBadRequest},
		{name: "bad version", method: http.MethodPut, path: "/map/k?version=x", body: "v", wantStatus: http.StatusBadRequest},
		{name: "ttl accepted", method: http.MethodPut, path: "/map/k?ttl=60&tti=30", body: "v", wantStatus: http.StatusNoContent},
		{name: "method not allowed", method: http.MethodPost, path: "/map/k", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("%s %s status = %d, want %d (body %q)", tt.method, tt.path, status, tt.wantStatus, body)
			}
			if tt.wantStatus == http.StatusOK && body != tt.wantBody {
				t.Errorf("%s %s body = %q, want %q", tt.method, tt.path, body, tt.wantBody)
			}
		})
	}
}

func TestVersionedPut(t *testing.T) {
	_, srv := newTestNode(t, "n1")

	status, _ := do(t, http.MethodPut, srv.URL+"/map/k?version=5", "five")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, http.MethodPut, srv.URL+"/map/k?version=3", "three")
	require.Equal(t, http.StatusNoContent, status)

	status, body := do(t, http.MethodGet, srv.URL+"/map/k", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "five", body)
}

func TestKeysAndSize(t *testing.T) {
	_, srv := newTestNode(t, "n1")
	for i := 0; i < 5; i++ {
		status, _ := do(t, http.MethodPut, fmt.Sprintf("%s/map/k%d", srv.URL, i), "v")
		require.Equal(t, http.StatusNoContent, status)
	}

	status, body := do(t, http.MethodGet, srv.URL+"/map", "")
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	assert.Equal(t, 5, listing.Count)
	assert.ElementsMatch(t, []string{"k0", "k1", "k2", "k3", "k4"}, listing.Keys)

	status, body = do(t, http.MethodGet, srv.URL+"/size", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"size":5}`, body)
}

func TestReplicationBetweenNodes(t *testing.T) {
	_, peer := newTestNode(t, "n2", func(c *config.Config) { c.Map.Consistency = "SYNCHRONOUS_STRONG" })
	_, srv := newTestNode(t, "n1", func(c *config.Config) {
		c.Map.Consistency = "SYNCHRONOUS_STRONG"
		c.Node.Peers = []config.PeerConfig{{ID: "n2", Addr: peer.URL}}
	})

	status, _ := do(t, http.MethodPut, srv.URL+"/map/shared?ttl=3600", "value")
	require.Equal(t, http.StatusNoContent, status)

	status, body := do(t, http.MethodGet, peer.URL+"/map/shared", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "value", body)

	status, _ = do(t, http.MethodDelete, srv.URL+"/map/shared", "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, http.MethodGet, peer.URL+"/map/shared", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandleReplicate(t *testing.T) {
	n, srv := newTestNode(t, "n1")
	post := func(body any) (int, string) {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		return do(t, http.MethodPost, srv.URL+"/replicate", string(data))
	}

	t.Run("bad json", func(t *testing.T) {
		status, _ := do(t, http.MethodPost, srv.URL+"/replicate", "{")
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("unknown map", func(t *testing.T) {
		status, _ := post(cluster.ReplicateRequest{From: "n2", Op: cluster.LogicalOp{Kind: cluster.OpClear, Map: "other"}})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("unknown shard", func(t *testing.T) {
		status, _ := post(cluster.ReplicateRequest{From: "n2", Op: cluster.LogicalOp{Kind: cluster.OpClear, Map: "default", Shard: 9}})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("unknown kind", func(t *testing.T) {
		status, _ := post(cluster.ReplicateRequest{From: "n2", Op: cluster.LogicalOp{
			Kind: "merge", Map: "default", Key: keys.Encode("k"),
		}})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, n.grid.PutNoReturn(context.Background(), "k", []byte("v")))
		idx := n.agg.ShardIndex("k")

		status, body := post(cluster.ReplicateRequest{From: "n2", Op: cluster.LogicalOp{
			Kind: cluster.OpClear, Map: "default", Shard: idx,
		}})
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"applied":true}`, body)

		_, ok, err := n.grid.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestInfoAndHealth(t *testing.T) {
	_, srv := newTestNode(t, "n1", func(c *config.Config) { c.Map.Name = "users" })

	status, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := do(t, http.MethodGet, srv.URL+"/info", "")
	require.Equal(t, http.StatusOK, status)
	var info struct {
		NodeID      string            `json:"node_id"`
		Map         string            `json:"map"`
		Consistency string            `json:"consistency"`
		Epoch       uint64            `json:"epoch"`
		Shards      []shard.ShardInfo `json:"shards"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "n1", info.NodeID)
	assert.Equal(t, "users", info.Map)
	assert.Equal(t, "STRONG", info.Consistency)
	assert.Equal(t, uint64(1), info.Epoch)
	assert.Len(t, info.Shards, 4)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestNode(t, "n1")
	status, _ := do(t, http.MethodPut, srv.URL+"/map/k", "v")
	require.Equal(t, http.StatusNoContent, status)

	status, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "shardgrid_ops_total")
	assert.Contains(t, body, `op="put"`)
}

func TestRejoinKeepsData(t *testing.T) {
	n, srv := newTestNode(t, "n1")
	status, _ := do(t, http.MethodPut, srv.URL+"/map/k", "v")
	require.Equal(t, http.StatusNoContent, status)

	n.Rejoin("n2")
	assert.Equal(t, uint64(2), n.agg.Epoch())

	status, body := do(t, http.MethodGet, srv.URL+"/map/k", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "v", body)
}

func TestUnreachablePeer(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()

	tests := []struct {
		behavior   string
		wantStatus int
	}{
		{behavior: "exception", wantStatus: http.StatusServiceUnavailable},
		{behavior: "local-reads-and-exception-on-writes", wantStatus: http.StatusServiceUnavailable},
		{behavior: "", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run("behavior="+tt.behavior, func(t *testing.T) {
			_, srv := newTestNode(t, "n1", func(c *config.Config) {
				c.Map.Consistency = "SYNCHRONOUS_STRONG"
				c.Node.Peers = []config.PeerConfig{{ID: "n2", Addr: gone.URL}}
				c.NonStop.Timeout = 500 * time.Millisecond
				c.NonStop.Behavior = tt.behavior
			})

			status, _ := do(t, http.MethodPut, srv.URL+"/map/k", "v")
			assert.Equal(t, tt.wantStatus, status)

			// the write never reached the partition
			status, _ = do(t, http.MethodGet, srv.URL+"/map/k", "")
			assert.Equal(t, http.StatusNotFound, status)
		})
	}
}

func TestNewNodeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "consistency", mutate: func(c *config.Config) { c.Map.Consistency = "LINEARIZABLE" }},
		{name: "lock strategy", mutate: func(c *config.Config) { c.Map.LockStrategy = "random" }},
		{name: "behavior", mutate: func(c *config.Config) { c.NonStop.Behavior = "panic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(testConfig("n1", tt.mutate), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("put: %w", shard.ErrUnsupported), want: http.StatusBadRequest},
		{err: shard.ErrDestroyed, want: http.StatusGone},
		{err: nonstop.ErrTimeout, want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("%w: peer", cluster.ErrAborted), want: http.StatusServiceUnavailable},
		{err: shard.ErrStaleMembership, want: http.StatusServiceUnavailable},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestLargeValue(t *testing.T) {
	_, srv := newTestNode(t, "n1")
	value := bytes.Repeat([]byte("x"), 1<<20)

	status, _ := do(t, http.MethodPut, srv.URL+"/map/big", string(value))
	require.Equal(t, http.StatusNoContent, status)
	status, body := do(t, http.MethodGet, srv.URL+"/map/big", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, len(value), len(body))
}
