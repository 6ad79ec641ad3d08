package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweep is one periodic background pass with its own failure isolation
// boundary: a failing or panicking pass is logged and the loop keeps ticking.
type Sweep struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Supervisor drives a set of sweeps until the context is cancelled.
type Supervisor struct {
	log    *slog.Logger
	sweeps []Sweep
}

// NewSupervisor builds a supervisor over the given sweeps.
func NewSupervisor(log *slog.Logger, sweeps ...Sweep) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, sweeps: sweeps}
}

// Start runs every sweep on its own ticker and blocks until ctx is done.
func (s *Supervisor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sweep := range s.sweeps {
		wg.Add(1)
		go func(sw Sweep) {
			defer wg.Done()
			s.loop(ctx, sw)
		}(sweep)
	}
	wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, sw Sweep) {
	ticker := time.NewTicker(sw.Every)
	defer ticker.Stop()

	s.runOnce(ctx, sw)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep stopped", "sweep", sw.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, sw)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, sw Sweep) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", "sweep", sw.Name, "panic", fmt.Sprint(r))
		}
	}()

	if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("sweep pass failed", "sweep", sw.Name, "error", err)
	}
}
