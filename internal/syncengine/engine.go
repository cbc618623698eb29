// Package syncengine implements the Sync Engine (C3): a state machine that
// drives the Node Client Pool and Chain Store to keep local chain state
// caught up with the upstream network, detecting and resolving forks.
//
// Grounded on the teacher's core/blockchain_synchronization.go for the
// Start/Stop/background-loop control shape (mutex-guarded active flag,
// quit channel, logrus lifecycle logging) and core/chain_fork_manager.go
// for the rollback-on-longer-fork idea, generalized here into the
// re-fetch-header/walk-back common-ancestor search spec.md §4.3
// describes. The bounded worker-pool window fetch is grounded on
// other_examples' 0xmhha indexer Fetcher.FetchRangeConcurrent
// (jobs/results channel pair with a bounded number of workers).
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ergo-indexer/indexer/internal/chainstore"
	"github.com/ergo-indexer/indexer/internal/chaintypes"
	"github.com/ergo-indexer/indexer/internal/nodeclient"
)

// State is one of the sync engine's state-machine states, spec.md §4.3.
type State string

const (
	StateIdle        State = "idle"
	StateProbing     State = "probing"
	StateFetching    State = "fetching"
	StateCommitting  State = "committing"
	StateRollingBack State = "rolling_back"
	StateCaughtUp    State = "caught_up"
)

const (
	defaultProbeInterval   = 10 * time.Second
	defaultSyncBatchSize   = 100
	defaultMaxRollbackDepth = 100
	windowQueueCapacity    = 2
	ewmaAlpha              = 0.2
	etaEpsilon             = 1e-6
)

// Pool is the subset of nodeclient.Pool the engine depends on.
type Pool interface {
	Info(ctx context.Context) (chaintypes.NodeInfo, error)
	HeaderIDsAt(ctx context.Context, height chaintypes.Height) ([]string, error)
	BlockByID(ctx context.Context, id string) (chaintypes.FullBlock, error)
	HealthyCount() int
}

// Config tunes the engine's timing and batching, spec.md §4.3 and §6.
type Config struct {
	ProbeInterval    time.Duration
	SyncBatchSize    int
	MaxRollbackDepth chaintypes.Height
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = defaultSyncBatchSize
	}
	if c.MaxRollbackDepth <= 0 {
		c.MaxRollbackDepth = defaultMaxRollbackDepth
	}
	return c
}

// Status is the progress snapshot reported at /status, spec.md §4.3.
type Status struct {
	State           State
	LocalTipHeight  chaintypes.Height
	UpstreamHeight  chaintypes.Height
	BlocksPerSecond float64
	ETASeconds      float64
}

// Engine is the Sync Engine (C3).
type Engine struct {
	pool  Pool
	store *chainstore.Store
	cfg   Config
	log   *logrus.Logger

	mu      sync.RWMutex
	active  bool
	quit    chan struct{}
	state   State
	upstreamHeight chaintypes.Height
	blocksPerSecond float64
	lastFatal error
}

// New constructs a Sync Engine wired to pool and store.
func New(pool Pool, store *chainstore.Store, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		pool:  pool,
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log,
		state: StateIdle,
		quit:  make(chan struct{}),
	}
}

// Start launches the background sync loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.quit = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
	e.log.Info("sync engine started")
}

// Stop aborts the background loop. Any in-flight apply_batch either
// completes or was never started, per spec.md §4.3's cancellation clause.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	close(e.quit)
	e.active = false
	e.mu.Unlock()
	e.log.Info("sync engine stopped")
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Status returns a progress snapshot for the /status endpoint.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tip, _ := e.store.Tip()
	eta := 0.0
	if e.upstreamHeight > tip.Height {
		gap := float64(e.upstreamHeight - tip.Height)
		eta = gap / maxFloat(e.blocksPerSecond, etaEpsilon)
	}
	return Status{
		State:           e.state,
		LocalTipHeight:  tip.Height,
		UpstreamHeight:  e.upstreamHeight,
		BlocksPerSecond: e.blocksPerSecond,
		ETASeconds:      eta,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			if err := e.cycle(ctx); err != nil {
				e.log.WithError(err).Warn("sync cycle failed")
			}
		}
	}
}

// cycle runs one Probing → (Fetching|RollingBack|CaughtUp) transition,
// per spec.md §4.3's state machine.
func (e *Engine) cycle(ctx context.Context) error {
	e.setState(StateProbing)

	tip, err := e.store.Tip()
	if err != nil {
		return err
	}

	if tip.Height > 0 {
		ids, err := e.pool.HeaderIDsAt(ctx, tip.Height)
		if err != nil {
			return err
		}
		if len(ids) > 0 && !contains(ids, tip.ID) {
			e.setState(StateRollingBack)
			ancestor, err := e.findCommonAncestor(ctx, tip.Height)
			if err != nil {
				e.lastFatal = err
				e.log.WithError(err).Error("fork deeper than max rollback depth; fatal inconsistency")
				return err
			}
			if err := e.store.RollbackTo(ancestor); err != nil {
				return err
			}
			e.log.WithFields(logrus.Fields{"ancestor_height": ancestor}).Warn("rolled back to common ancestor")
			tip, err = e.store.Tip()
			if err != nil {
				return err
			}
		}
	}

	info, err := e.pool.Info(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.upstreamHeight = info.FullHeight
	e.mu.Unlock()

	if info.FullHeight <= tip.Height {
		e.setState(StateCaughtUp)
		return nil
	}

	e.setState(StateFetching)
	return e.fetchAndCommit(ctx, tip.Height, info.FullHeight)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// findCommonAncestor walks backwards one height at a time from
// localTipHeight until the upstream's header id agrees with the local
// chain, per spec.md §4.3. Returns an error if the divergence exceeds
// MaxRollbackDepth.
func (e *Engine) findCommonAncestor(ctx context.Context, localTipHeight chaintypes.Height) (chaintypes.Height, error) {
	floor := chaintypes.Height(0)
	if localTipHeight > e.cfg.MaxRollbackDepth+1 {
		floor = localTipHeight - e.cfg.MaxRollbackDepth - 1
	}
	for h := localTipHeight; h > floor; h-- {
		local, ok, err := e.tipAt(h)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		ids, err := e.pool.HeaderIDsAt(ctx, h)
		if err != nil {
			return 0, err
		}
		if contains(ids, local) {
			return h, nil
		}
	}
	return 0, ErrRollbackTooDeep
}

func (e *Engine) tipAt(h chaintypes.Height) (string, bool, error) {
	snap, err := e.store.ReadSnapshot()
	if err != nil {
		return "", false, err
	}
	defer snap.Close()
	row, ok, err := snap.BlockByHeight(h)
	if err != nil {
		return "", false, err
	}
	return row.ID, ok, nil
}

// fetchAndCommit walks the gap (localTip, upstreamTip] in
// cfg.SyncBatchSize windows, fetching each window with bounded
// parallelism and committing it as one apply_batch call, per spec.md
// §4.3's parallel-fetch and backpressure rules.
func (e *Engine) fetchAndCommit(ctx context.Context, localTip, upstreamTip chaintypes.Height) error {
	windows := make(chan []chaintypes.Height, windowQueueCapacity)

	go func() {
		defer close(windows)
		for start := localTip + 1; start <= upstreamTip; start += chaintypes.Height(e.cfg.SyncBatchSize) {
			end := start + chaintypes.Height(e.cfg.SyncBatchSize) - 1
			if end > upstreamTip {
				end = upstreamTip
			}
			heights := make([]chaintypes.Height, 0, end-start+1)
			for h := start; h <= end; h++ {
				heights = append(heights, h)
			}
			select {
			case windows <- heights:
			case <-ctx.Done():
				return
			}
		}
	}()

	for heights := range windows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		blocks, err := e.fetchWindow(ctx, heights)
		if err != nil {
			return err
		}

		e.setState(StateCommitting)
		if err := e.store.ApplyBatch(blocks); err != nil {
			return err
		}
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			e.updateBlocksPerSecond(float64(len(blocks)) / elapsed)
		}
		e.setState(StateFetching)
	}
	return nil
}

func (e *Engine) updateBlocksPerSecond(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blocksPerSecond == 0 {
		e.blocksPerSecond = sample
		return
	}
	e.blocksPerSecond = ewmaAlpha*sample + (1-ewmaAlpha)*e.blocksPerSecond
}

// fetchWindow fetches every height in the window concurrently, with
// parallelism bounded by healthy-client-count*2 capped at 16, collecting
// results into a position-indexed buffer so the window is only released
// to apply_batch fully complete and in height order. Any single failure
// fails the whole window (spec.md §4.3: "on any fetch failure inside a
// window, the window is retried wholesale" — the caller's cycle-level
// retry via the next probe tick provides that wholesale retry).
func (e *Engine) fetchWindow(ctx context.Context, heights []chaintypes.Height) ([]chaintypes.FullBlock, error) {
	parallelism := e.pool.HealthyCount() * 2
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > 16 {
		parallelism = 16
	}

	results := make([]chaintypes.FullBlock, len(heights))
	group, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, parallelism)

	for i, h := range heights {
		i, h := i, h
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return nil, gctx.Err()
		}
		group.Go(func() error {
			defer func() { <-sem }()
			ids, err := e.pool.HeaderIDsAt(gctx, h)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return ErrHeaderMissing
			}
			blk, err := e.pool.BlockByID(gctx, ids[0])
			if err != nil {
				return err
			}
			results[i] = blk
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
