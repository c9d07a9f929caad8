package settle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/lending-engine/internal/store"
)

// Scanner runs the periodic market sweep: it progresses every market's yield
// index and liquidates positions past the liquidation threshold.
type Scanner struct {
	svc     *Service
	store   store.Store
	cron    *cron.Cron
	timeout time.Duration
}

// NewScanner schedules a sweep on the given cron spec (e.g. "@every 1m").
func NewScanner(svc *Service, st store.Store, spec string) (*Scanner, error) {
	s := &Scanner{
		svc:     svc,
		store:   st,
		cron:    cron.New(),
		timeout: 2 * time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("settle: invalid scan schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduled sweeps.
func (s *Scanner) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scanner) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scanner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		slog.Error("liquidation sweep: list markets", "err", err)
		return
	}

	start := time.Now()
	var liquidated int
	for _, m := range markets {
		results, err := s.svc.LiquidateEligible(ctx, m.ID)
		if err != nil {
			slog.Error("liquidation sweep failed for market", "market", m.ID, "err", err)
			continue
		}
		liquidated += len(results)
	}
	if liquidated > 0 {
		slog.Info("liquidation sweep finished",
			"markets", len(markets),
			"liquidated", liquidated,
			"elapsed", time.Since(start).String(),
		)
	}
}
