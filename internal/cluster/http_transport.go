package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HTTPTransport ships ops to every peer with POST /replicate.
//
// Synchronous ops are sent to all peers in parallel and Commit waits for
// every acknowledgement. Other ops are sent in the background; they count as
// in flight until every peer answered or the send timed out.
type HTTPTransport struct {
	self     string
	peers    func() []NodeInfo
	timeout  time.Duration
	inflight inFlight
	logger   zerolog.Logger
}

// NewHTTPTransport creates a transport sending as node self to the peers
// returned by the provider. Each peer call is bounded by timeout.
func NewHTTPTransport(self string, peers func() []NodeInfo, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPTransport{self: self, peers: peers, timeout: timeout, logger: zerolog.Nop()}
}

// SetLogger sets the logger used for background send failures.
func (t *HTTPTransport) SetLogger(logger zerolog.Logger) {
	t.logger = logger
}

func (t *HTTPTransport) Commit(ctx context.Context, op LogicalOp) error {
	peers := t.peers()
	if len(peers) == 0 {
		return nil
	}
	req := ReplicateRequest{From: t.self, Op: op}

	if !op.Sync {
		t.inflight.begin()
		go func() {
			defer t.inflight.end()
			sendCtx, cancel := context.WithTimeout(context.Background(), t.timeout)
			defer cancel()
			if err := t.broadcast(sendCtx, peers, req); err != nil {
				t.logger.Warn().Err(err).Str("kind", string(op.Kind)).Str("map", op.Map).
					Int("shard", op.Shard).Msg("asynchronous replication failed")
			}
		}()
		return nil
	}

	t.inflight.begin()
	defer t.inflight.end()
	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.broadcast(sendCtx, peers, req); err != nil {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return nil
}

func (t *HTTPTransport) broadcast(ctx context.Context, peers []NodeInfo, req ReplicateRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			var ack ReplicateResponse
			if err := PostJSON(ctx, replicateURL(peer.Addr), req, &ack); err != nil {
				return fmt.Errorf("peer %s: %w", peer.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *HTTPTransport) WaitForInFlight(ctx context.Context) error {
	return t.inflight.wait(ctx)
}

func replicateURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + "/replicate"
}
