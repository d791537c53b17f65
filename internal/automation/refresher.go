package automation

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"
)

// Refresher performs the initial configuration load and, when an interval is
// set, polls the webhook and swaps the snapshot whenever the response body
// changes. Sessions that already completed their handshake are unaffected.
type Refresher struct {
	fetcher      *Fetcher
	automationID string
	snap         *Snapshot
	interval     time.Duration
	loadTimeout  time.Duration
	onChange     func(old, new *Config)

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	hasHash  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RefresherOption configures a [Refresher].
type RefresherOption func(*Refresher)

// WithInterval sets the polling interval. Zero disables polling.
func WithInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d >= 0 {
			r.interval = d
		}
	}
}

// WithLoadTimeout bounds each webhook call. The default is 10 seconds.
func WithLoadTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// WithOnChange registers a callback invoked after each snapshot swap.
func WithOnChange(fn func(old, new *Config)) RefresherOption {
	return func(r *Refresher) { r.onChange = fn }
}

// NewRefresher creates a refresher that writes into snap.
func NewRefresher(f *Fetcher, automationID string, snap *Snapshot, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		fetcher:      f,
		automationID: automationID,
		snap:         snap,
		loadTimeout:  10 * time.Second,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs the initial load in the background and then begins polling.
// It returns immediately; use [Snapshot.Wait] to wait for the initial load.
func (r *Refresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.initial(ctx)
		if r.interval > 0 {
			r.poll(ctx)
		}
	}()
}

// Stop ends polling and waits for the background goroutine to exit.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Refresher) initial(ctx context.Context) {
	defer r.snap.MarkLoaded()

	if r.automationID == "" {
		slog.Info("automation: no automation id configured, using defaults")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	cfg, hash, err := r.fetcher.fetch(cctx, r.automationID)
	if err != nil {
		slog.Warn("automation: initial load failed, using defaults",
			"automation_id", r.automationID, "err", err)
		return
	}
	r.mu.Lock()
	r.lastHash, r.hasHash = hash, true
	r.mu.Unlock()

	r.snap.Store(cfg)
	slog.Info("automation: configuration loaded",
		"automation_id", r.automationID,
		"voice", cfg.Voice,
		"tools", len(cfg.Tools),
		"has_prompt", cfg.SystemPrompt != "",
	)
}

func (r *Refresher) poll(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check(ctx)
		}
	}
}

// check fetches the configuration and swaps the snapshot only when the body
// hash differs from the last successful fetch. Failures keep the old value.
func (r *Refresher) check(ctx context.Context) {
	if r.automationID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	cfg, hash, err := r.fetcher.fetch(cctx, r.automationID)
	if err != nil {
		slog.Warn("automation: refresh failed, keeping current config", "err", err)
		return
	}

	r.mu.Lock()
	if r.hasHash && hash == r.lastHash {
		r.mu.Unlock()
		return
	}
	r.lastHash, r.hasHash = hash, true
	r.mu.Unlock()

	old := r.snap.Load()
	r.snap.Store(cfg)
	slog.Info("automation: configuration reloaded", "automation_id", r.automationID)

	if r.onChange != nil {
		r.onChange(old, cfg)
	}
}
