package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Job IDs for the queue-driven maintenance loops. An enqueuer publishes
// these messages on whatever schedule the host runs; a worker hands each
// delivery to JobRouter.Run, which routes it back into the service.
const (
	JobIDTicketSweep    = "sessionguard.tickets.sweep"
	JobIDRecoveryScan   = "sessionguard.recovery.scan"
	JobIDOutboxDispatch = "sessionguard.outbox.dispatch"
)

// Parameter keys the job messages carry. Values round-trip through queue
// serialization, so readers coerce rather than assert concrete types.
const (
	JobParamLimit     = "limit"
	JobParamBatchSize = "batch_size"
	JobParamTenantID  = "tenant_id"
	JobParamGateway   = "gateway"
)

const (
	// JobDedupDrop discards an enqueue whose idempotency key is already
	// queued. The maintenance loops are singletons per key, so a scheduler
	// tick that lands while the previous one is still waiting is dropped.
	JobDedupDrop = "drop"
	// JobDedupMerge folds parameter maps of duplicate enqueues together.
	JobDedupMerge = "merge"
)

// NewTicketSweepMessage builds the periodic expiry-sweep job. A non-positive
// limit defers to the configured sweep limit at execution time.
func NewTicketSweepMessage(limit int) *JobExecutionMessage {
	msg := &JobExecutionMessage{
		JobID:          JobIDTicketSweep,
		IdempotencyKey: JobIDTicketSweep,
		DedupPolicy:    JobDedupDrop,
	}
	if limit > 0 {
		msg.Parameters = map[string]any{JobParamLimit: limit}
	}
	return msg
}

// NewRecoveryScanMessage builds the due-recovery job. With a tenant id the
// job recovers that one tenant and dedupes per tenant; blank scans every
// stale session up to limit.
func NewRecoveryScanMessage(tenantID string, limit int) *JobExecutionMessage {
	tenantID = strings.TrimSpace(tenantID)
	msg := &JobExecutionMessage{
		JobID:          JobIDRecoveryScan,
		IdempotencyKey: JobIDRecoveryScan,
		DedupPolicy:    JobDedupDrop,
	}
	params := map[string]any{}
	if tenantID != "" {
		params[JobParamTenantID] = tenantID
		msg.IdempotencyKey = JobIDRecoveryScan + ":" + tenantID
	}
	if limit > 0 {
		params[JobParamLimit] = limit
	}
	if len(params) > 0 {
		msg.Parameters = params
	}
	return msg
}

// NewOutboxDispatchMessage builds the outbox-drain job. A non-positive batch
// size defers to the dispatcher's configured batch size.
func NewOutboxDispatchMessage(batchSize int) *JobExecutionMessage {
	msg := &JobExecutionMessage{
		JobID:          JobIDOutboxDispatch,
		IdempotencyKey: JobIDOutboxDispatch,
		DedupPolicy:    JobDedupDrop,
	}
	if batchSize > 0 {
		msg.Parameters = map[string]any{JobParamBatchSize: batchSize}
	}
	return msg
}

// JobRouter executes queue job messages against the service. Dispatcher is
// only consulted for outbox-dispatch jobs and may stay nil when the host
// drains the outbox some other way.
type JobRouter struct {
	Service    *Service
	Dispatcher TransitionDispatcher
}

func (r JobRouter) Run(ctx context.Context, msg *JobExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("core: job message is required")
	}
	if r.Service == nil {
		return fmt.Errorf("core: job router requires a service")
	}

	switch msg.JobID {
	case JobIDTicketSweep:
		_, err := r.Service.ExpireTickets(ctx, jobIntParam(msg.Parameters, JobParamLimit))
		return err
	case JobIDRecoveryScan:
		if tenantID := jobStringParam(msg.Parameters, JobParamTenantID); tenantID != "" {
			_, err := r.Service.Recover(ctx, RecoverRequest{
				TenantID: tenantID,
				Actor:    recoveryScanActor,
				Gateway:  jobStringParam(msg.Parameters, JobParamGateway),
			})
			return err
		}
		_, err := r.Service.RecoverStaleSessions(ctx, jobIntParam(msg.Parameters, JobParamLimit))
		return err
	case JobIDOutboxDispatch:
		if r.Dispatcher == nil {
			return fmt.Errorf("core: job router has no transition dispatcher")
		}
		_, err := r.Dispatcher.DispatchPending(ctx, jobIntParam(msg.Parameters, JobParamBatchSize))
		return err
	}
	return fmt.Errorf("core: unknown job id %q", msg.JobID)
}

// jobIntParam reads a numeric parameter that may have round-tripped through
// JSON, where integers come back as float64. Absent or unreadable values
// yield zero so the operation falls back to its configured default.
func jobIntParam(params map[string]any, key string) int {
	raw, ok := params[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return parsed
	}
	return 0
}

func jobStringParam(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok {
		return ""
	}
	value, _ := raw.(string)
	return strings.TrimSpace(value)
}
