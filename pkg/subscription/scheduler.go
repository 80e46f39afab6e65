package subscription

import (
	"context"
	"time"
)

// DefaultWarningDays is how far ahead CheckExpiringTrials looks by default
const DefaultWarningDays = 3

// JobReport summarizes one scheduler job run
type JobReport struct {
	Job      string        `json:"job"`
	Found    int           `json:"found"`
	Affected int           `json:"affected"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TrialStats is a snapshot of trial conversion
type TrialStats struct {
	ActiveTrials   int     `json:"activeTrials"`
	ExpiringSoon   int     `json:"expiringSoon"`
	Converted      int     `json:"converted"`
	Expired        int     `json:"expired"`
	ConversionRate float64 `json:"conversionRate"`
}

// DailyReport aggregates the daily maintenance jobs
type DailyReport struct {
	Warnings    *JobReport   `json:"warnings"`
	Expirations *JobReport   `json:"expirations"`
	Retries     *RetryReport `json:"retries,omitempty"`
	Swept       int          `json:"sweptCacheEntries"`
}

// Scheduler runs the trial batch jobs. Jobs are idempotent: re-running finds
// nothing new. Nothing prevents two processes from running them at once.
type Scheduler struct {
	manager   *Manager
	processor *Processor
	validator *Validator
	subs      SubscriptionStore
	clock     Clock
	logger    Logger
	metrics   Metrics

	warningDays int
}

// NewScheduler creates a scheduler. processor and validator are optional and
// add event retries and cache sweeps to RunDaily.
func NewScheduler(manager *Manager, processor *Processor, validator *Validator) *Scheduler {
	return &Scheduler{
		manager:   manager,
		processor: processor,
		validator: validator,
		subs:      manager.subs,
		clock:     manager.clock,
		logger:    manager.logger,
		metrics:   manager.metrics,

		warningDays: DefaultWarningDays,
	}
}

// WithWarningDays sets how many days ahead RunDaily warns trials.
// Negative values are ignored.
func (s *Scheduler) WithWarningDays(days int) *Scheduler {
	if days >= 0 {
		s.warningDays = days
	}
	return s
}

// CheckExpiringTrials warns trials ending on the day daysAhead from now.
func (s *Scheduler) CheckExpiringTrials(ctx context.Context, daysAhead int) (*JobReport, error) {
	start := time.Now()
	report := &JobReport{Job: "check_expiring_trials"}

	day := startOfDayUTC(s.clock.Now().AddDate(0, 0, daysAhead))
	from, to := day, day.Add(24*time.Hour-time.Nanosecond)
	subs, err := s.subs.ListTrialsEndingBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.Found = len(subs)

	for _, sub := range subs {
		sent, err := s.manager.WarnTrialEnding(ctx, sub, daysAhead)
		if err != nil {
			s.logger.Error("failed to warn expiring trial", F("user_id", sub.UserID), errField(err))
			report.Errors = append(report.Errors, sub.UserID+": "+err.Error())
			continue
		}
		if sent {
			report.Affected++
		}
	}

	s.finish(report, start)
	return report, nil
}

// ExpireTrials expires every trial whose end has passed.
func (s *Scheduler) ExpireTrials(ctx context.Context) (*JobReport, error) {
	start := time.Now()
	report := &JobReport{Job: "expire_trials"}

	subs, err := s.subs.ListTrialsEndedBefore(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	report.Found = len(subs)

	for _, sub := range subs {
		changed, err := s.manager.ExpireTrial(ctx, sub.UserID)
		if err != nil {
			s.logger.Error("failed to expire trial", F("user_id", sub.UserID), errField(err))
			report.Errors = append(report.Errors, sub.UserID+": "+err.Error())
			continue
		}
		if changed {
			report.Affected++
		}
	}

	s.finish(report, start)
	return report, nil
}

// TrialStatistics counts trials by outcome.
func (s *Scheduler) TrialStatistics(ctx context.Context) (*TrialStats, error) {
	now := s.clock.Now()
	stats := &TrialStats{}

	trialing, err := s.subs.ListByStatus(ctx, StatusTrialing)
	if err != nil {
		return nil, err
	}
	stats.ActiveTrials = len(trialing)
	soon := now.AddDate(0, 0, s.warningDays)
	for _, sub := range trialing {
		if sub.TrialEnd != nil && !sub.TrialEnd.After(soon) {
			stats.ExpiringSoon++
		}
	}

	active, err := s.subs.ListByStatus(ctx, StatusActive)
	if err != nil {
		return nil, err
	}
	for _, sub := range active {
		if sub.TrialStart != nil {
			stats.Converted++
		}
	}

	expired, err := s.subs.ListByStatus(ctx, StatusExpired)
	if err != nil {
		return nil, err
	}
	for _, sub := range expired {
		if sub.TrialStart != nil {
			stats.Expired++
		}
	}

	if total := stats.Converted + stats.Expired; total > 0 {
		stats.ConversionRate = float64(stats.Converted) / float64(total)
	}
	return stats, nil
}

// RunDaily runs the daily maintenance: trial warnings, trial expiry, failed
// event retries and a decision cache sweep.
func (s *Scheduler) RunDaily(ctx context.Context) (*DailyReport, error) {
	warnings, err := s.CheckExpiringTrials(ctx, s.warningDays)
	if err != nil {
		return nil, err
	}
	expirations, err := s.ExpireTrials(ctx)
	if err != nil {
		return nil, err
	}
	report := &DailyReport{Warnings: warnings, Expirations: expirations}

	if s.processor != nil {
		retries, err := s.processor.RetryFailedEvents(ctx, 100)
		if err != nil {
			s.logger.Error("failed to retry webhook events", errField(err))
		} else {
			report.Retries = retries
		}
	}
	if s.validator != nil {
		report.Swept = s.validator.Cache().Sweep()
	}

	s.logger.Info("daily subscription maintenance completed",
		F("trial_warnings", warnings.Affected), F("trials_expired", expirations.Affected))
	return report, nil
}

// RunWeekly logs trial conversion statistics.
func (s *Scheduler) RunWeekly(ctx context.Context) (*TrialStats, error) {
	start := time.Now()
	stats, err := s.TrialStatistics(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSchedulerRun("trial_statistics", stats.ActiveTrials, time.Since(start))
	s.logger.Info("weekly trial statistics",
		F("active_trials", stats.ActiveTrials), F("converted", stats.Converted),
		F("expired", stats.Expired), F("conversion_rate", stats.ConversionRate))
	return stats, nil
}

// Run calls RunDaily every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDaily(ctx); err != nil {
				s.logger.Error("daily subscription maintenance failed", errField(err))
			}
		}
	}
}

func (s *Scheduler) finish(report *JobReport, start time.Time) {
	report.Duration = time.Since(start)
	s.metrics.RecordSchedulerRun(report.Job, report.Affected, report.Duration)
	s.logger.Info("scheduler job completed",
		F("job", report.Job), F("found", report.Found),
		F("affected", report.Affected), F("errors", len(report.Errors)))
}

// ExtendTrial pushes the user's trial end back by days.
func (s *Scheduler) ExtendTrial(ctx context.Context, userID string, days int) (*Subscription, error) {
	return s.manager.ExtendTrial(ctx, userID, days)
}

// ConvertTrialToPaid ends the user's trial early and activates the paid plan.
func (s *Scheduler) ConvertTrialToPaid(ctx context.Context, userID string) (bool, error) {
	return s.manager.ConvertTrialToPaid(ctx, userID)
}
