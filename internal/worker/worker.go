// Package worker provides async evaluation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/orchestrator"
)

// Worker consumes evaluation requests from the EventBus, runs them
// through the orchestrator and publishes the outcome.
type Worker struct {
	bus     domain.EventBus
	service *orchestrator.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async evaluation worker.
func NewWorker(bus domain.EventBus, service *orchestrator.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing evaluation requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker subscribes under a shared "_global" tenant for
// dev/test deployments where requests are not partitioned per tenant.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicEvaluationRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEvaluationRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEvaluationRequested,
	)

	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// EvaluationRequest is the payload on TopicEvaluationRequested. Either
// RulepackID pins one catalog entry or (Jurisdiction, FilingType)
// triggers temporal resolution against the filing period.
type EvaluationRequest struct {
	RequestID    string                    `json:"requestId"`
	Jurisdiction string                    `json:"jurisdiction,omitempty"`
	FilingType   string                    `json:"filingType,omitempty"`
	RulepackID   string                    `json:"rulepackId,omitempty"`
	Context      *domain.EvaluationContext `json:"context"`
}

// EvaluationOutcome is the payload on TopicEvaluationCompleted and
// TopicEvaluationFailed.
type EvaluationOutcome struct {
	RequestID string                   `json:"requestId"`
	Result    *domain.EvaluationResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// processRequest runs one evaluation request end to end. The outcome
// is always published; transport errors are logged, not retried.
// Synchronous callers send via EventBus.Request and get the outcome
// back on the reply topic the message carries.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var req EvaluationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse evaluation request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.Context == nil {
		req.Context = &domain.EvaluationContext{}
	}
	if req.Context.TenantID == "" {
		req.Context.TenantID = tenantID
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	slog.Debug("processing evaluation request",
		"request_id", requestID,
		"tenant_id", tenantID,
	)

	var (
		result *domain.EvaluationResult
		err    error
	)
	if req.RulepackID != "" {
		result, err = w.service.EvaluateWithRulepack(ctx, req.RulepackID, req.Context)
	} else {
		result, err = w.service.Evaluate(ctx, req.Jurisdiction, req.FilingType, req.Context)
	}

	replyTo := msg.Metadata[domain.MetaReplyTo]

	if err != nil {
		payload, _ := json.Marshal(EvaluationOutcome{RequestID: requestID, Error: err.Error()})
		if pubErr := w.bus.Publish(ctx, tenantID, domain.TopicEvaluationFailed, payload); pubErr != nil {
			slog.Error("failed to publish evaluation failure",
				"request_id", requestID,
				"error", pubErr,
			)
		}
		if replyTo != "" {
			_ = w.bus.Publish(ctx, tenantID, replyTo, payload)
		}
		if errors.Is(err, domain.ErrRulepackNotFound) {
			slog.Warn("no active rulepack for evaluation request",
				"request_id", requestID,
				"jurisdiction", req.Jurisdiction,
				"filing_type", req.FilingType,
			)
			return nil
		}
		return err
	}

	payload, _ := json.Marshal(EvaluationOutcome{RequestID: requestID, Result: result})
	if err := w.bus.Publish(ctx, tenantID, domain.TopicEvaluationCompleted, payload); err != nil {
		slog.Error("failed to publish evaluation result",
			"request_id", requestID,
			"error", err,
		)
	}
	if replyTo != "" {
		_ = w.bus.Publish(ctx, tenantID, replyTo, payload)
	}

	slog.Info("evaluation request processed",
		"request_id", requestID,
		"tenant_id", tenantID,
		"rules_fired", result.Metadata.RulesFired,
		"field_errors", len(result.FieldErrors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes all workers and waits for in-flight requests.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
