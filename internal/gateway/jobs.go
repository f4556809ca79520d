// ABOUTME: Periodic jobs run by the gateway: idle session sweep and membership reconciliation
// ABOUTME: Scheduled with robfig/cron; overlapping runs are skipped, never queued

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// newScheduler creates the job scheduler. Jobs share jobsCtx, which is
// cancelled on shutdown so a running sweep stops early.
func (g *Gateway) newScheduler() *cron.Cron {
	cl := cronLogger{logger: g.logger.With("component", "scheduler")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if every := g.config.Fleet.IdleSweepInterval.Duration; every > 0 {
		c.Schedule(cron.Every(every), cron.FuncJob(g.runIdleSweep))
		g.logger.Info("idle sweep scheduled", "interval", every)
	}
	if every := g.config.Fleet.ReconcileInterval.Duration; every > 0 && g.reconciler != nil {
		c.Schedule(cron.Every(every), cron.FuncJob(g.runReconcile))
		g.logger.Info("membership reconciliation scheduled", "interval", every)
	}
	return c
}

// runIdleSweep leaves result logging to the broker.
func (g *Gateway) runIdleSweep() {
	if _, err := g.sessions.Sweep(g.jobsCtx); err != nil {
		g.logger.Warn("idle sweep failed", "error", err)
	}
}

func (g *Gateway) runReconcile() {
	ctx, cancel := context.WithTimeout(g.jobsCtx, 5*time.Minute)
	defer cancel()

	reports, err := g.reconciler.VerifyAll(ctx)
	if err != nil {
		g.logger.Warn("membership reconciliation failed", "error", err)
		return
	}
	retracted := 0
	for _, r := range reports {
		retracted += len(r.Retracted)
	}
	g.logger.Info("membership reconciliation", "guilds", len(reports), "retracted", retracted)
}

// stopScheduler stops new runs and waits for running jobs until ctx ends.
func (g *Gateway) stopScheduler(ctx context.Context) {
	if g.scheduler == nil {
		return
	}
	g.cancelJobs()
	select {
	case <-g.scheduler.Stop().Done():
	case <-ctx.Done():
		g.logger.Warn("scheduler jobs still running at shutdown")
	}
}
