package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Priority orders event types by how urgently they must be handled
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityOf classifies an event type for logging only: events are
// processed in arrival order.
func PriorityOf(t EventType) Priority {
	switch t {
	case EventPaymentFailed, EventSubscriptionDeleted:
		return PriorityHigh
	case EventCheckoutCompleted, EventPaymentSucceeded, EventPaymentApproved, EventTrialWillEnd:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// DefaultMaxRetries is how many times a failed event is re-dispatched
const DefaultMaxRetries = 3

// ProcessorConfig wires a Processor
type ProcessorConfig struct {
	Manager *Manager

	// Events is the dedupe ledger (required)
	Events ProcessedEventStore

	// MaxRetries bounds RetryFailedEvents (default: DefaultMaxRetries)
	MaxRetries int

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

// Processor consumes normalized provider events exactly once per event id.
type Processor struct {
	manager    *Manager
	events     ProcessedEventStore
	maxRetries int
	clock      Clock
	logger     Logger
	metrics    Metrics

	// inflight serializes deliveries and retries of one event id
	inflight eventLocks
}

// eventLocks is a set of per-key mutexes that are dropped once unused
type eventLocks struct {
	mu    sync.Mutex
	locks map[string]*eventLock
}

type eventLock struct {
	mu   sync.Mutex
	refs int
}

func (l *eventLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*eventLock)
	}
	el, ok := l.locks[id]
	if !ok {
		el = &eventLock{}
		l.locks[id] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// NewProcessor creates a webhook event processor
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if config.Manager == nil {
		return nil, errors.New("processor requires a manager")
	}
	if config.Events == nil {
		return nil, ErrStoreUnavailable
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Clock == nil {
		config.Clock = config.Manager.clock
	}
	if config.Logger == nil {
		config.Logger = config.Manager.logger
	}
	if config.Metrics == nil {
		config.Metrics = config.Manager.metrics
	}
	return &Processor{
		manager:    config.Manager,
		events:     config.Events,
		maxRetries: config.MaxRetries,
		clock:      config.Clock,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}, nil
}

// Process handles one event. It returns true when the event is settled
// (processed now or already completed before) and false when the provider
// should redeliver it.
func (p *Processor) Process(ctx context.Context, ev *Event) bool {
	if ev == nil || ev.ID == "" || ev.Type == "" {
		p.logger.Warn("webhook event rejected", errField(ErrInvalidEvent))
		if ev != nil {
			p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "rejected")
		}
		return false
	}

	// The ledger is read and written around dispatch, so concurrent deliveries
	// of one id wait here. Across instances the ledger is at-least-once.
	unlock := p.inflight.lock(ev.ID)
	defer unlock()

	prior, err := p.events.Get(ctx, ev.ID)
	if err != nil {
		p.logger.Error("failed to read event ledger",
			F("event_id", ev.ID), F("provider", ev.Provider), errField(err))
		p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "failed")
		return false
	}
	if prior != nil && prior.Success {
		p.logger.Debug("duplicate webhook event ignored", F("event_id", ev.ID), F("event_type", ev.Type))
		p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "duplicate")
		return true
	}

	p.logger.Info("processing webhook event",
		F("event_id", ev.ID), F("event_type", ev.Type),
		F("provider", ev.Provider), F("priority", PriorityOf(ev.Type).String()))

	start := time.Now()
	handleErr := p.dispatch(ctx, ev)
	p.metrics.RecordWebhookProcessingDuration(ev.Provider, ev.Type, time.Since(start))

	rec := &ProcessedEvent{
		EventID:     ev.ID,
		Provider:    ev.Provider,
		EventType:   ev.Type,
		ProcessedAt: p.clock.Now(),
		Payload:     ev,
	}
	if prior != nil {
		rec.RetryCount = prior.RetryCount
		rec.LastRetryAt = cloneTime(prior.LastRetryAt)
	}
	markOutcome(rec, handleErr)

	if err := p.events.Record(ctx, rec); err != nil {
		p.logger.Error("failed to record webhook event",
			F("event_id", ev.ID), F("event_type", ev.Type), errField(err))
		p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "failed")
		return false
	}

	if handleErr != nil {
		p.logger.Error("webhook event failed",
			F("event_id", ev.ID), F("event_type", ev.Type),
			F("error_kind", KindOf(handleErr).String()), errField(handleErr))
		p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "failed")
		return false
	}
	p.metrics.RecordWebhookEvent(ev.Provider, ev.Type, "processed")
	return true
}

// RetryReport summarizes one RetryFailedEvents pass
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// RetryFailedEvents re-dispatches failed ledger records that still have
// retries left, oldest first. Each attempt increments the record's counter.
func (p *Processor) RetryFailedEvents(ctx context.Context, limit int) (*RetryReport, error) {
	records, err := p.events.ListRetryable(ctx, p.maxRetries, limit)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{}
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p.retry(ctx, rec, report)
	}
	return report, nil
}

// retry re-dispatches one failed record unless a concurrent delivery or retry
// settled it first.
func (p *Processor) retry(ctx context.Context, rec *ProcessedEvent, report *RetryReport) {
	unlock := p.inflight.lock(rec.EventID)
	defer unlock()

	if current, err := p.events.Get(ctx, rec.EventID); err == nil && current != nil {
		if current.Success || current.RetryCount >= p.maxRetries {
			return
		}
		rec = current
	}

	report.Attempted++
	now := p.clock.Now()
	rec.RetryCount++
	rec.LastRetryAt = timePtr(now)
	rec.ProcessedAt = now

	var handleErr error
	if rec.Payload == nil {
		handleErr = errors.New("event payload not stored")
	} else {
		handleErr = p.dispatch(ctx, rec.Payload)
	}
	markOutcome(rec, handleErr)

	if err := p.events.Record(ctx, rec); err != nil {
		p.logger.Error("failed to record retried event", F("event_id", rec.EventID), errField(err))
		report.Failed++
		return
	}

	switch {
	case handleErr == nil:
		report.Succeeded++
		p.metrics.RecordWebhookEvent(rec.Provider, rec.EventType, "retried")
		p.logger.Info("webhook event retry succeeded",
			F("event_id", rec.EventID), F("retry_count", rec.RetryCount))
	case rec.RetryCount >= p.maxRetries:
		report.Exhausted++
		p.logger.Error("webhook event exhausted retries",
			F("event_id", rec.EventID), F("event_type", rec.EventType),
			F("retry_count", rec.RetryCount), errField(handleErr))
	default:
		report.Failed++
		p.logger.Warn("webhook event retry failed",
			F("event_id", rec.EventID), F("retry_count", rec.RetryCount), errField(handleErr))
	}
}

func markOutcome(rec *ProcessedEvent, err error) {
	if err != nil {
		rec.Success = false
		rec.Status = EventFailed
		rec.ErrorMessage = err.Error()
		return
	}
	rec.Success = true
	rec.Status = EventCompleted
	rec.ErrorMessage = ""
}

func (p *Processor) dispatch(ctx context.Context, ev *Event) error {
	var err error
	switch ev.Type {
	case EventCheckoutCompleted:
		_, err = p.manager.CompleteCheckout(ctx, ev)
	case EventPaymentApproved:
		approved := *ev
		approved.ProviderStatus = string(StatusActive)
		_, err = p.manager.CompleteCheckout(ctx, &approved)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		_, err = p.manager.SyncProviderSubscription(ctx, ev)
	case EventSubscriptionDeleted:
		_, err = p.manager.EndProviderSubscription(ctx, ev)
	case EventPaymentSucceeded:
		_, err = p.manager.RecordPayment(ctx, ev)
	case EventPaymentFailed:
		_, err = p.manager.RecordPaymentFailure(ctx, ev)
	case EventTrialWillEnd:
		err = p.handleTrialWillEnd(ctx, ev)
	default:
		p.logger.Debug("unhandled webhook event type", F("event_type", ev.Type), F("provider", ev.Provider))
	}
	return err
}

func (p *Processor) handleTrialWillEnd(ctx context.Context, ev *Event) error {
	sub, err := p.manager.resolve(ctx, ev)
	if err != nil {
		return err
	}
	days := ev.DaysRemaining
	if days <= 0 && sub.TrialEnd != nil {
		days = daysUntil(p.clock.Now(), *sub.TrialEnd)
	}
	_, err = p.manager.WarnTrialEnding(ctx, sub, days)
	return err
}

func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
