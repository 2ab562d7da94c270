package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const MetadataKeyOutboxAttempts = "_outbox_attempts"

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// normalized fills zero or negative fields from the defaults.
func (c OutboxDispatcherConfig) normalized() OutboxDispatcherConfig {
	defaults := DefaultOutboxDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	return c
}

// dispatchDisposition is the fate of one claimed event after a delivery
// pass. dispositionStuck means the event was delivered but the ack failed,
// so the store will hand it out again.
type dispatchDisposition int

const (
	dispositionDelivered dispatchDisposition = iota
	dispositionRetried
	dispositionParked
	dispositionStuck
)

// OutboxDispatcher drains committed transition events to registered
// handlers. Events are claimed in commit order; a failed delivery is
// rescheduled with exponential backoff until MaxAttempts, then parked
// for operator review.
type OutboxDispatcher struct {
	store    OutboxStore
	registry TransitionHandlerRegistry
	config   OutboxDispatcherConfig
	now      func() time.Time
}

func NewOutboxDispatcher(
	store OutboxStore,
	registry TransitionHandlerRegistry,
	config OutboxDispatcherConfig,
) (*OutboxDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	return &OutboxDispatcher{
		store:    store,
		registry: registry,
		config:   config.normalized(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// DispatchPending claims up to batchSize events and pushes each through
// the handler chain. One bad event never blocks the rest of the batch;
// its failure is folded into the returned error after the full pass.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.store == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	events, err := d.store.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var problems error
	for _, event := range events {
		disposition, settleErr := d.settle(ctx, event)
		problems = chainErrors(problems, settleErr)
		switch disposition {
		case dispositionDelivered:
			stats.Delivered++
		case dispositionRetried:
			stats.Retried++
		case dispositionParked:
			stats.Failed++
		}
	}
	return stats, problems
}

// settle runs one event through the handlers and records the outcome with
// the store. The attempt budget is decided here and nowhere else.
func (d *OutboxDispatcher) settle(ctx context.Context, event TransitionEvent) (dispatchDisposition, error) {
	eventID := strings.TrimSpace(event.ID)
	deliveryErr := d.fanOut(ctx, event)
	if deliveryErr == nil {
		if err := d.store.Ack(ctx, eventID); err != nil {
			return dispositionStuck, err
		}
		return dispositionDelivered, nil
	}

	attempt := nextAttemptIndex(event)
	if attempt+1 >= d.config.MaxAttempts {
		// Out of budget. The zero reschedule time tells the store to park
		// the event instead of returning it to the backlog.
		storeErr := d.store.Retry(ctx, eventID, deliveryErr, time.Time{})
		return dispositionParked, chainErrors(deliveryErr, storeErr)
	}
	nextAttemptAt := d.now().Add(d.nextBackoffDelay(attempt + 1))
	storeErr := d.store.Retry(ctx, eventID, deliveryErr, nextAttemptAt)
	return dispositionRetried, chainErrors(deliveryErr, storeErr)
}

// fanOut feeds the event to every handler in registration order. Handlers
// are all-or-nothing per event: the first failure aborts the chain and the
// retry replays the whole set.
func (d *OutboxDispatcher) fanOut(ctx context.Context, event TransitionEvent) error {
	if d.registry == nil {
		return nil
	}
	for i, handler := range d.registry.Handlers() {
		if handler == nil {
			continue
		}
		if err := handler.Handle(ctx, event); err != nil {
			return fmt.Errorf("core: transition handler %d failed for event %q: %w", i, event.ID, err)
		}
	}
	return nil
}

// nextBackoffDelay doubles per attempt starting at InitialBackoff, clamped
// to MaxBackoff. Float overflow on absurd attempt numbers clamps too.
func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(d.config.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || delay > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return delay
}

// nextAttemptIndex reads the prior delivery count the store stamped on the
// event. Stores round-trip metadata through JSON, so the number may come
// back as a float64 or a string.
func nextAttemptIndex(event TransitionEvent) int {
	raw, ok := event.Metadata[MetadataKeyOutboxAttempts]
	if !ok {
		return 0
	}
	attempts := 0
	switch typed := raw.(type) {
	case int:
		attempts = typed
	case int64:
		attempts = int(typed)
	case float64:
		attempts = int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0
		}
		attempts = parsed
	}
	if attempts < 0 {
		return 0
	}
	return attempts
}

func chainErrors(existing error, next error) error {
	switch {
	case existing == nil:
		return next
	case next == nil:
		return existing
	default:
		return fmt.Errorf("%w; %v", existing, next)
	}
}

var _ TransitionDispatcher = (*OutboxDispatcher)(nil)
