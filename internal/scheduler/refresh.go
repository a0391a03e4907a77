package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/onboard/pkg/schema"
)

// DefaultRefreshSpec runs the sweep every fifteen minutes.
const DefaultRefreshSpec = "*/15 * * * *"

// ConnectionStore persists platform connections between sessions.
// Satisfied by secrets.TokenStore.
type ConnectionStore interface {
	ListConnections(ctx context.Context) ([]*schema.PlatformConnection, error)
	SaveConnection(ctx context.Context, conn *schema.PlatformConnection) error
}

// Refresher renews a platform access token.
type Refresher interface {
	Refresh(ctx context.Context, conn *schema.PlatformConnection) (*schema.PlatformConnection, error)
}

// RefreshConfig configures the sweeper.
type RefreshConfig struct {
	Spec        string        // standard 5-field cron expression
	Window      time.Duration // refresh tokens expiring within this window
	Concurrency int
}

// RefreshSweeper renews stored platform tokens on a cron schedule.
type RefreshSweeper struct {
	store     ConnectionStore
	refresher Refresher
	schedule  cron.Schedule
	cfg       RefreshConfig
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewRefreshSweeper parses cfg.Spec and returns a stopped sweeper.
func NewRefreshSweeper(store ConnectionStore, refresher Refresher, cfg RefreshConfig, logger *slog.Logger) (*RefreshSweeper, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultRefreshSpec
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", cfg.Spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshSweeper{
		store:     store,
		refresher: refresher,
		schedule:  schedule,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}, nil
}

// Start launches the background loop.
func (s *RefreshSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("refresh sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("refresh sweeper started", slog.String("spec", s.cfg.Spec))
	return nil
}

func (s *RefreshSweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next := s.schedule.Next(s.now())
		if err := Sleep(ctx, time.Until(next)); err != nil {
			return
		}
		refreshed, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("refresh sweep failed", slog.String("error", err.Error()))
			continue
		}
		if refreshed > 0 {
			s.logger.Info("refreshed platform tokens", slog.Int("count", refreshed))
		}
	}
}

// Sweep refreshes every stored connection that expires within the window.
// It returns how many were refreshed; individual failures are logged and
// do not abort the sweep.
func (s *RefreshSweeper) Sweep(ctx context.Context) (int, error) {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}

	now := s.now()
	var (
		mu    sync.Mutex
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, conn := range conns {
		if conn.RefreshToken == "" || !conn.Expired(now, s.cfg.Window) {
			continue
		}
		if !s.tryAcquire(conn.PlatformID) {
			continue
		}
		g.Go(func() error {
			defer s.release(conn.PlatformID)
			if err := s.refreshOne(gctx, conn); err != nil {
				s.logger.Warn("platform token refresh failed",
					slog.String("platform", conn.PlatformID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return count, err
}

func (s *RefreshSweeper) refreshOne(ctx context.Context, conn *schema.PlatformConnection) error {
	renewed, err := s.refresher.Refresh(ctx, conn)
	if err != nil {
		return err
	}
	if renewed == nil || renewed.AccessToken == "" {
		return schema.NewErrorf(schema.ErrCodeAuth, "refresh for %s returned no token", conn.PlatformID)
	}
	if renewed.PlatformID == "" {
		renewed.PlatformID = conn.PlatformID
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = conn.RefreshToken
	}
	return s.store.SaveConnection(ctx, renewed)
}

// NextRun returns the next scheduled sweep after from.
func (s *RefreshSweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop shuts the loop down and waits for it to exit.
func (s *RefreshSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("refresh sweeper stopped")
}

func (s *RefreshSweeper) tryAcquire(platformID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[platformID]; ok {
		return false
	}
	s.inflight[platformID] = struct{}{}
	return true
}

func (s *RefreshSweeper) release(platformID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, platformID)
}
