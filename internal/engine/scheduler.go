package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScanScheduler owns the periodic scan trigger. It shares the scanner's
// reentrancy guard with on-demand triggers: if a timer fires while a manual
// scan is still running, that tick is skipped, not queued.
type ScanScheduler struct {
	scanner  *StalenessScanner
	interval time.Duration
	logger   Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewScanScheduler(scanner *StalenessScanner, interval time.Duration, logger Logger) *ScanScheduler {
	return &ScanScheduler{
		scanner:  scanner,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the scheduler goroutine. An initial scan runs immediately,
// then one per interval. Returns an error if already started.
func (s *ScanScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scan scheduler already running")
	}
	s.running = true
	s.done = make(chan struct{})

	s.logger.Info("scan scheduler starting", "interval", s.interval.String())
	go s.runLoop(ctx, s.done)
	return nil
}

// Stop signals the scheduler goroutine to exit. A scan already in flight
// runs to completion. Safe to call multiple times.
func (s *ScanScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.logger.Info("scan scheduler stopping")
	close(s.done)
	s.running = false
}

func (s *ScanScheduler) runLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scanner.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan scheduler stopped", "reason", "context cancelled")
			return
		case <-done:
			s.logger.Info("scan scheduler stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			s.scanner.Scan(ctx)
		}
	}
}
