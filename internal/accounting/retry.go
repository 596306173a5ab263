package accounting

import (
	"context"
	"log/slog"
	"time"
)

// RetryWorker periodically re-attempts pending withdrawals and, when every
// pass is done, audits the books.
type RetryWorker struct {
	engine   *Engine
	interval time.Duration
	audit    bool
}

// NewRetryWorker creates a worker that runs every interval. With audit set
// it refreshes the ledger balance and runs the solvency audit after each
// pass.
func NewRetryWorker(engine *Engine, interval time.Duration, audit bool) *RetryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{engine: engine, interval: interval, audit: audit}
}

// Start runs the worker in a goroutine and returns a function that stops it
// and waits for the current pass to finish.
func (w *RetryWorker) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run processes the registry immediately and then on every tick until ctx
// ends.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("withdrawal retry worker started", "interval", w.interval.String())
	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("withdrawal retry worker shutting down")
			return
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *RetryWorker) pass(ctx context.Context) {
	report, err := w.engine.ProcessPending(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("pending withdrawal pass failed", "err", err)
		return
	}
	if report.Attempted > 0 || report.Skipped > 0 {
		slog.Info("pending withdrawals processed",
			"attempted", report.Attempted,
			"completed", report.Completed,
			"rolled_back", report.RolledBack,
			"pending", report.Pending,
			"stuck", report.Stuck,
			"skipped", report.Skipped,
		)
	}
	if !w.audit || ctx.Err() != nil {
		return
	}
	if _, err := w.engine.RefreshCanisterBalance(ctx); err != nil {
		slog.Warn("ledger balance refresh failed", "err", err)
		return
	}
	// A mismatch is already logged and recorded by the audit itself.
	_, _ = w.engine.AuditBalances(ctx)
}
