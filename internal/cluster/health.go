package cluster

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Health states reported by NodeHealth.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of a single peer.
type NodeHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	NodeID           string
	Status           string
	ConsecutiveFails int
}

// HealthMonitor periodically probes every peer's /health endpoint.
//
// A peer is marked unhealthy after maxFailures consecutive failed probes and
// healthy again on the first successful one. Transitions fire the
// unhealthy and recovered callbacks; a node uses the recovered callback to
// run its rejoin sequence. Live reports whether the cluster can still make
// progress and bounds the eventual-mode retry loop.
//
// Thread Safety: all methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(nodeID string)
	onRecovered func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	logger      zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor probing every interval.
//
// Example:
//
//	monitor := NewHealthMonitor(5 * time.Second)
//	monitor.SetOnRecovered(func(peer string) { node.Rejoin(peer) })
//	go monitor.Start(ctx, peers)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger sets the monitor's logger.
func (h *HealthMonitor) SetLogger(logger zerolog.Logger) {
	h.logger = logger
}

// SetOnUnhealthy sets the callback fired when a peer becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback fired when an unhealthy peer answers again.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.onRecovered = callback
}

// SetCheckFunction replaces the HTTP probe, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start probes the peers returned by nodeProvider until ctx is done or Stop
// is called. It blocks; run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(nodes []NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Info().Str("peer", nodeID).Msg("peer removed from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug().Err(err).Str("peer", node.ID).Int("fails", health.ConsecutiveFails).
			Msg("health check failed")

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn().Str("peer", node.ID).Int("fails", health.ConsecutiveFails).
				Msg("peer marked unhealthy")
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	previous := health.Status
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
	if previous == StatusUnhealthy {
		h.logger.Info().Str("peer", node.ID).Msg("peer recovered")
		if h.onRecovered != nil {
			go h.onRecovered(node.ID)
		}
	}
}

func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of nodeID, or nil.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every health record.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		out[id] = &c
	}
	return out
}

// IsHealthy reports whether nodeID answered its last probes.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// Live reports whether the cluster can make progress: true when no peer is
// monitored or at least one peer is not unhealthy.
func (h *HealthMonitor) Live() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return true
	}
	for _, health := range h.nodes {
		if health.Status != StatusUnhealthy {
			return true
		}
	}
	return false
}
