// Package worker runs the dispatch loop: it claims due jobs, gates each one
// through the compliance engine, sends it over the channel transport and
// records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/compliance"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/transport"
)

type Queue interface {
	Claim(ctx context.Context, workerID string, limit int) ([]*db.ScheduledJob, error)
	Renew(ctx context.Context, job *db.ScheduledJob, workerID string) error
	Complete(ctx context.Context, job *db.ScheduledJob, workerID string, out dispatch.Outcome) error
}

type LeadStore interface {
	GetLead(ctx context.Context, tenantID, leadID uuid.UUID) (*db.Lead, error)
}

// Gate is the compliance engine as seen by the worker.
type Gate interface {
	Evaluate(ctx context.Context, channel string, lead *db.Lead, intent compliance.SendIntent) (compliance.Decision, error)
	RecordSend(ctx context.Context, d compliance.Decision, at time.Time) error
}

type Sender interface {
	Send(ctx context.Context, channel, recipient string, msg db.JobPayload) (transport.SendResult, error)
}

type Auditor interface {
	Append(tenantID uuid.UUID, actorID, eventType, resourceID string, metadata map[string]any)
}

// OutcomeSink receives one message per finished job.
type OutcomeSink interface {
	SendJSON(ctx context.Context, v any, attributes map[string]string) (string, error)
}

// JobOutcome is what the worker publishes for each terminal job.
type JobOutcome struct {
	JobID             uuid.UUID `json:"job_id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	LeadID            uuid.UUID `json:"lead_id"`
	Channel           string    `json:"channel"`
	Intent            string    `json:"intent"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	Error             string    `json:"error,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	CompletedAt       time.Time `json:"completed_at"`
}

// BatchResult counts what one poll did. Deferred jobs hit a store error
// before a decision and stay pending until their claim expires. Lost jobs
// outlived their claim before being sent and were left to whoever holds
// them now.
type BatchResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Denied   int `json:"denied"`
	Deferred int `json:"deferred"`
	Lost     int `json:"lost"`
}

type Config struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

type Worker struct {
	queue  Queue
	leads  LeadStore
	gate   Gate
	sender Sender
	audit  Auditor
	sink   OutcomeSink
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a worker. auditor and sink may be nil.
func New(queue Queue, leads LeadStore, gate Gate, sender Sender, auditor Auditor, sink OutcomeSink, cfg Config, logger *zap.Logger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}

	return &Worker{
		queue:  queue,
		leads:  leads,
		gate:   gate,
		sender: sender,
		audit:  auditor,
		sink:   sink,
		config: cfg,
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
		now:    time.Now,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			res, err := w.ProcessDue(ctx)
			if err != nil {
				w.logger.Error("failed to claim due jobs", zap.Error(err))
				continue
			}
			if res.Claimed > 0 {
				w.logger.Info("batch processed",
					zap.Int("claimed", res.Claimed),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed),
					zap.Int("denied", res.Denied),
					zap.Int("deferred", res.Deferred),
					zap.Int("lost", res.Lost),
				)
			}
		}
	}
}

type result int

const (
	resultSent result = iota
	resultFailed
	resultDenied
	resultDeferred
	resultLost
)

// ProcessDue claims one batch and processes it. A failing job never stops
// the others; the returned error only reports a failed claim.
func (w *Worker) ProcessDue(ctx context.Context) (BatchResult, error) {
	jobs, err := w.queue.Claim(ctx, w.config.WorkerID, w.config.BatchSize)
	if err != nil {
		return BatchResult{}, err
	}

	var counts [5]atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			counts[w.process(ctx, job)].Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Claimed:  len(jobs),
		Sent:     int(counts[resultSent].Load()),
		Failed:   int(counts[resultFailed].Load()),
		Denied:   int(counts[resultDenied].Load()),
		Deferred: int(counts[resultDeferred].Load()),
		Lost:     int(counts[resultLost].Load()),
	}, nil
}

func (w *Worker) process(ctx context.Context, job *db.ScheduledJob) result {
	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("channel", job.Channel),
	)

	var payload db.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return w.finish(ctx, log, job, dispatch.Outcome{Status: db.JobStatusFailed, LastError: "invalid payload: " + err.Error()}, "")
	}

	lead, err := w.leads.GetLead(ctx, job.TenantID, job.LeadID)
	if errors.Is(err, db.ErrNotFound) {
		return w.finish(ctx, log, job, dispatch.Outcome{Status: db.JobStatusFailed, LastError: "lead not found"}, "")
	}
	if err != nil {
		log.Warn("lead lookup failed, job deferred", zap.Error(err))
		return resultDeferred
	}

	// Jobs wait in the batch behind slower sends; one whose claim ran out in
	// the meantime may already be with another worker.
	if err := w.queue.Renew(ctx, job, w.config.WorkerID); err != nil {
		if errors.Is(err, db.ErrJobNotClaimed) {
			log.Info("job claim lost before send, skipping", zap.Error(err))
			metrics.RecordJobProcessed(metricStatus(resultLost), job.Channel)
			return resultLost
		}
		log.Warn("job claim renewal failed, job deferred", zap.Error(err))
		return resultDeferred
	}

	decision, err := w.gate.Evaluate(ctx, job.Channel, lead, compliance.SendIntent{
		Kind:         job.Intent,
		TemplateName: payload.TemplateName,
	})
	if err != nil {
		log.Warn("compliance evaluation failed, job deferred", zap.Error(err))
		return resultDeferred
	}
	if !decision.Allowed {
		return w.finish(ctx, log, job, dispatch.Outcome{Status: db.JobStatusFailed, LastError: string(decision.Reason)}, string(decision.Reason))
	}

	sent, err := w.sender.Send(ctx, job.Channel, lead.Recipient(job.Channel), payload)
	if err != nil {
		return w.finish(ctx, log, job, dispatch.Outcome{Status: db.JobStatusFailed, LastError: err.Error()}, "")
	}

	// The provider accepted the message, so its budget events are owed even
	// if our own bookkeeping below fails.
	if err := w.gate.RecordSend(ctx, decision, w.now()); err != nil {
		log.Error("failed to record send against rate budgets", zap.Error(err))
	}
	return w.finish(ctx, log, job, dispatch.Outcome{Status: db.JobStatusSent, ProviderMessageID: sent.ProviderMessageID}, "")
}

// finish stores the terminal status and reports it. reason is set for
// compliance denials only.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, job *db.ScheduledJob, out dispatch.Outcome, reason string) result {
	res, event := resultSent, "job.sent"
	switch {
	case reason != "":
		res, event = resultDenied, "job.denied"
	case out.Status == db.JobStatusFailed:
		res, event = resultFailed, "job.failed"
	}

	if err := w.queue.Complete(ctx, job, w.config.WorkerID, out); err != nil {
		log.Error("failed to complete job", zap.String("status", out.Status), zap.Error(err))
	}

	metrics.RecordJobProcessed(metricStatus(res), job.Channel)
	metrics.RecordDispatchLatency(job.Channel, w.now().Sub(job.ScheduledAt))

	if res == resultSent {
		log.Info("job sent", zap.String("provider_message_id", out.ProviderMessageID))
	} else {
		log.Warn("job failed", zap.String("error", out.LastError))
	}

	if w.audit != nil {
		meta := map[string]any{"channel": job.Channel, "intent": job.Intent, "worker_id": w.config.WorkerID}
		if out.LastError != "" {
			meta["error"] = out.LastError
		}
		if out.ProviderMessageID != "" {
			meta["provider_message_id"] = out.ProviderMessageID
		}
		w.audit.Append(job.TenantID, "worker:"+w.config.WorkerID, event, "job:"+job.ID.String(), meta)
	}

	w.publish(ctx, log, JobOutcome{
		JobID:             job.ID,
		TenantID:          job.TenantID,
		LeadID:            job.LeadID,
		Channel:           job.Channel,
		Intent:            job.Intent,
		Status:            out.Status,
		Reason:            reason,
		Error:             out.LastError,
		ProviderMessageID: out.ProviderMessageID,
		CompletedAt:       w.now().UTC(),
	})
	return res
}

func (w *Worker) publish(ctx context.Context, log *zap.Logger, o JobOutcome) {
	if w.sink == nil {
		return
	}
	_, err := w.sink.SendJSON(ctx, o, map[string]string{
		"status":    o.Status,
		"channel":   o.Channel,
		"tenant_id": o.TenantID.String(),
	})
	if err != nil {
		log.Warn("failed to publish job outcome", zap.Error(err))
	}
}

func metricStatus(r result) string {
	switch r {
	case resultSent:
		return "sent"
	case resultDenied:
		return "denied"
	case resultFailed:
		return "failed"
	case resultLost:
		return "lost"
	default:
		return fmt.Sprintf("result_%d", r)
	}
}
