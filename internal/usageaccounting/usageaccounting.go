// Package usageaccounting runs the nightly rollup job and serves
// period-based usage reads by combining DailyUsage (closed days) with a
// live aggregate over UsageLog (today). The nightly job runs on a
// robfig/cron schedule; RunRollupNow exists for on-demand runs and tests.
package usageaccounting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rakunlabs/gatehouse/internal/store"
)

// Period selects how far back a usage read aggregates.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Scheduler runs the daily rollup job and serves period reads.
type Scheduler struct {
	store     store.UsageStorer
	retention time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

func New(st store.UsageStorer, retentionDays int) *Scheduler {
	return &Scheduler{
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start schedules the rollup to run once per day at 00:10 UTC and runs one
// pass immediately so a freshly started gatehouse doesn't wait a full day
// before today's data is foldable.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("10 0 * * *", func() { s.runRollup(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	go s.runRollup(ctx)

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// runRollup regenerates DailyUsage from every UsageLog row dated before
// today, then separately purges raw logs past the retention horizon. These
// are two distinct cutoffs: folding always runs against "start of today" so
// yesterday's activity is aggregated every night regardless of retention;
// retention only bounds how long the raw per-request rows are kept. The
// aggregates survive the purge.
func (s *Scheduler) runRollup(ctx context.Context) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	folded, err := s.store.RollupUsageLogs(ctx, todayStart)
	if err != nil {
		slog.Error("usage rollup failed", "error", err)
		return
	}
	slog.Info("usage rollup completed", "folded_rows", folded, "cutoff", todayStart)

	if s.retention <= 0 {
		return
	}

	purgeBefore := now.Add(-s.retention)
	purged, err := s.store.PurgeUsageLogs(ctx, purgeBefore)
	if err != nil {
		slog.Error("usage log purge failed", "error", err)
		return
	}
	slog.Info("usage log purge completed", "purged_rows", purged, "before", purgeBefore)
}

// RunRollupNow triggers one rollup pass outside the nightly schedule.
func (s *Scheduler) RunRollupNow(ctx context.Context) {
	s.runRollup(ctx)
}

// UsageSummary is the aggregate returned to admin usage-read endpoints.
type UsageSummary struct {
	Period       Period `json:"period"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	RequestCount int64  `json:"request_count"`
}

// Summarize combines DailyUsage rows for closed days with a live aggregate
// over today's UsageLog rows, for the given period and optional user.
func (s *Scheduler) Summarize(ctx context.Context, period Period, userID string) (UsageSummary, error) {
	now := time.Now().UTC()
	from := periodStart(period, now)

	daily, err := s.store.ListDailyUsage(ctx, userID, from.Format("2006-01-02"), now.Format("2006-01-02"))
	if err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{Period: period}
	for _, d := range daily {
		summary.TokensInput += d.TokensInput
		summary.TokensOutput += d.TokensOutput
		summary.RequestCount += d.RequestCount
	}

	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	logs, err := s.store.ListUsageLogs(ctx, userID, todayStart, 0)
	if err != nil {
		return UsageSummary{}, err
	}
	for _, l := range logs {
		summary.TokensInput += l.TokensInput
		summary.TokensOutput += l.TokensOutput
		summary.RequestCount++
	}

	return summary, nil
}

func periodStart(period Period, now time.Time) time.Time {
	switch period {
	case PeriodToday:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}
