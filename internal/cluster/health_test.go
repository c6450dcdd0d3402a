package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewHealthMonitor verifies the monitor defaults
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Len(t, monitor.nodes, 0)
	assert.True(t, monitor.Live(), "no peers means live")
}

// TestHealthMonitorStart verifies probes run periodically against every peer
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(20 * time.Millisecond)
	defer monitor.Stop()

	var (
		mu    sync.Mutex
		calls int
	)
	monitor.SetCheckFunction(func(string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	peers := func() []NodeInfo {
		return []NodeInfo{{ID: "node-1", Addr: "localhost:8081"}, {ID: "node-2", Addr: "localhost:8082"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, peers)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 6
	}, time.Second, 5*time.Millisecond)

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
	assert.Len(t, monitor.GetAllNodeHealth(), 2)
}

// TestHealthMonitorTransitions drives probes by hand through failure and recovery
func TestHealthMonitorTransitions(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()

	down := false
	monitor.SetCheckFunction(func(string) error {
		if down {
			return errors.New("node is down")
		}
		return nil
	})

	unhealthy := make(chan string, 1)
	recovered := make(chan string, 1)
	monitor.SetOnUnhealthy(func(id string) { unhealthy <- id })
	monitor.SetOnRecovered(func(id string) { recovered <- id })

	node := NodeInfo{ID: "node-1", Addr: "localhost:8081"}
	monitor.checkAllNodes([]NodeInfo{node})
	assert.True(t, monitor.IsHealthy("node-1"))

	down = true
	monitor.checkNode(node)
	monitor.checkNode(node)
	assert.Equal(t, StatusHealthy, monitor.GetNodeHealth("node-1").Status, "two failures are tolerated")

	monitor.checkNode(node)
	assert.Equal(t, "node-1", <-unhealthy)
	assert.False(t, monitor.IsHealthy("node-1"))
	assert.False(t, monitor.Live(), "every peer is unhealthy")

	down = false
	monitor.checkNode(node)
	assert.Equal(t, "node-1", <-recovered)

	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Equal(t, 0, health.ConsecutiveFails)
	assert.True(t, monitor.Live())

	// peers that leave the list are forgotten
	monitor.checkAllNodes(nil)
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
}

func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()

	assert.NoError(t, monitor.defaultHealthCheck(healthy.URL))
	assert.NoError(t, monitor.defaultHealthCheck(healthy.URL+"/health"))
	assert.Error(t, monitor.defaultHealthCheck(broken.URL))
}
