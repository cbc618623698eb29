package nodeclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ergo-indexer/indexer/internal/chaintypes"
)

const (
	unhealthyAfterFailures = 3
	healthProbeInterval    = 30 * time.Second
	maxRetries             = 2
)

// ClientSnapshot is the per-client state exposed to the /status endpoint,
// spec.md §4.1 and §6.
type ClientSnapshot struct {
	URL         string
	Connected   bool
	Latency     time.Duration
	AppVersion  string
	StateType   string
	Height      chaintypes.Height
	HeadersHeight chaintypes.Height
	MaxPeerHeight chaintypes.Height
	PeersCount  int
	Unconfirmed int
	IsMining    bool
	Difficulty  uint64
}

type clientState struct {
	mu                  sync.Mutex
	client              Client
	healthy             bool
	consecutiveFailures int
	latency             time.Duration
	lastInfo            chaintypes.NodeInfo
	lastProbe           time.Time
}

func (s *clientState) snapshot() ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ClientSnapshot{
		URL:           s.client.URL(),
		Connected:     s.healthy,
		Latency:       s.latency,
		AppVersion:    s.lastInfo.AppVersion,
		StateType:     s.lastInfo.StateType,
		Height:        s.lastInfo.FullHeight,
		HeadersHeight: s.lastInfo.HeadersHeight,
		MaxPeerHeight: s.lastInfo.FullHeight,
		PeersCount:    s.lastInfo.PeerCount,
		Unconfirmed:   s.lastInfo.MempoolSize,
		IsMining:      s.lastInfo.IsMining,
		Difficulty:    s.lastInfo.Difficulty,
	}
}

// markSuccess records a healthy response and updates the measured latency.
func (s *clientState) markSuccess(latency time.Duration, info *chaintypes.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
	s.consecutiveFailures = 0
	s.latency = latency
	if info != nil {
		s.lastInfo = *info
	}
}

// markFailure records a failed call. immediate forces the client unhealthy
// right away (a single 5xx during sync, per spec.md §4.1); otherwise the
// client is marked unhealthy after three consecutive failures.
func (s *clientState) markFailure(immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	if immediate || s.consecutiveFailures >= unhealthyAfterFailures {
		s.healthy = false
	}
}

func (s *clientState) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *clientState) currentLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Pool fans requests out across configured upstream clients, picking the
// lowest-latency healthy client (round-robin tie-break) per call, per
// spec.md §4.1. Grounded on the teacher's core/connection_pool.go shape:
// mutex-guarded slice of pooled state plus a background reaper/prober
// goroutine, adapted from connection reuse to health probing.
type Pool struct {
	states  []*clientState
	mu      sync.Mutex
	rrNext  int
	logger  *logrus.Logger
	cancel  context.CancelFunc
}

// NewPool wraps one Client per configured upstream URL and starts a
// background health-probe loop for each.
func NewPool(clients []Client, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{logger: logger, cancel: cancel}
	for _, c := range clients {
		p.states = append(p.states, &clientState{client: c, healthy: true})
	}
	for _, st := range p.states {
		go p.probeLoop(ctx, st)
	}
	return p
}

// Close stops all background probing.
func (p *Pool) Close() { p.cancel() }

func (p *Pool) probeLoop(ctx context.Context, st *clientState) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, st)
		}
	}
}

func (p *Pool) probe(ctx context.Context, st *clientState) {
	start := time.Now()
	info, err := st.client.Info(ctx)
	if err != nil {
		st.markFailure(false)
		p.logger.WithFields(logrus.Fields{"url": st.client.URL(), "error": err}).
			Warn("node health probe failed")
		return
	}
	st.markSuccess(time.Since(start), &info)
}

// pick returns the healthy client with lowest estimated latency, breaking
// ties with round robin, per spec.md §4.1.
func (p *Pool) pick() *clientState {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*clientState
	for _, st := range p.states {
		if st.isHealthy() {
			healthy = append(healthy, st)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	best := healthy[0].currentLatency()
	var lowest []*clientState
	for _, st := range healthy {
		l := st.currentLatency()
		if l < best {
			best = l
			lowest = []*clientState{st}
		} else if l == best {
			lowest = append(lowest, st)
		}
	}
	chosen := lowest[p.rrNext%len(lowest)]
	p.rrNext++
	return chosen
}

// HealthyCount returns the number of clients currently considered healthy.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, st := range p.states {
		if st.isHealthy() {
			n++
		}
	}
	return n
}

// Snapshot returns per-client state for the /status endpoint.
func (p *Pool) Snapshot() []ClientSnapshot {
	out := make([]ClientSnapshot, 0, len(p.states))
	for _, st := range p.states {
		out = append(out, st.snapshot())
	}
	return out
}

// call runs fn against the best-available client, retrying on a different
// client (when one is available) up to maxRetries times with the 250ms/1s
// backoff schedule from spec.md §4.1. A 5xx marks the offending client
// unhealthy immediately; any other failure counts toward the
// consecutive-failure threshold.
func (p *Pool) call(ctx context.Context, fn func(Client) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 4 // 250ms, then 1s
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var lastErr error
	tried := make(map[string]bool)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		st := p.pickExcluding(tried)
		if st == nil {
			if lastErr != nil {
				return lastErr
			}
			return ErrNoHealthyClients
		}
		tried[st.client.URL()] = true

		start := time.Now()
		err := fn(st.client)
		if err == nil {
			st.markSuccess(time.Since(start), nil)
			return nil
		}
		lastErr = err
		st.markFailure(isServerError(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.NextBackOff()):
			}
		}
	}
	return lastErr
}

func (p *Pool) pickExcluding(tried map[string]bool) *clientState {
	// The first attempt goes through pick so latency ties rotate round-robin.
	if len(tried) == 0 {
		return p.pick()
	}
	p.mu.Lock()
	var candidates []*clientState
	for _, st := range p.states {
		if st.isHealthy() && !tried[st.client.URL()] {
			candidates = append(candidates, st)
		}
	}
	p.mu.Unlock()
	if len(candidates) == 0 {
		return p.pick()
	}
	best := candidates[0]
	bestLatency := best.currentLatency()
	for _, st := range candidates[1:] {
		if l := st.currentLatency(); l < bestLatency {
			best, bestLatency = st, l
		}
	}
	return best
}

func isServerError(err error) bool {
	return errors.Is(err, ErrUpstream5xx)
}

// Info returns the best client's node info, per spec.md §4.1.
func (p *Pool) Info(ctx context.Context) (chaintypes.NodeInfo, error) {
	var out chaintypes.NodeInfo
	err := p.call(ctx, func(c Client) error {
		var err error
		out, err = c.Info(ctx)
		return err
	})
	return out, err
}

// HeaderIDsAt fetches candidate header ids at height from the preferred node.
func (p *Pool) HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error) {
	var out []string
	err := p.call(ctx, func(c Client) error {
		var err error
		out, err = c.HeaderIDsAt(ctx, height)
		return err
	})
	return out, err
}

// BlockByID fetches a full block by id, fanning out across healthy clients.
func (p *Pool) BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error) {
	var out chaintypes.FullBlock
	err := p.call(ctx, func(c Client) error {
		var err error
		out, err = c.BlockByID(ctx, id)
		return err
	})
	return out, err
}

// Mempool fetches the preferred node's unconfirmed transaction set.
func (p *Pool) Mempool(ctx context.Context) ([]chaintypes.UnconfirmedTx, error) {
	var out []chaintypes.UnconfirmedTx
	err := p.call(ctx, func(c Client) error {
		var err error
		out, err = c.Mempool(ctx)
		return err
	})
	return out, err
}

// SubmitTx forwards a raw transaction to the preferred node.
func (p *Pool) SubmitTx(ctx context.Context, raw []byte) (string, error) {
	var id string
	err := p.call(ctx, func(c Client) error {
		var err error
		id, err = c.SubmitTx(ctx, raw)
		return err
	})
	return id, err
}

// WalletRequest forwards a passthrough wallet call to the preferred node.
func (p *Pool) WalletRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var status int
	var respBody []byte
	err := p.call(ctx, func(c Client) error {
		var err error
		status, respBody, err = c.WalletRequest(ctx, method, path, body)
		return err
	})
	return status, respBody, err
}
