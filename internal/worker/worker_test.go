package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/orchestrator"
	"github.com/opensource-finance/merlin/internal/rulepack"
)

// memRepository is a minimal in-memory Repository for worker tests.
type memRepository struct {
	packs []*domain.CompiledRulepack
}

func (r *memRepository) SaveRulepack(ctx context.Context, pack *domain.CompiledRulepack, canonicalSource []byte) error {
	r.packs = append(r.packs, pack)
	return nil
}

func (r *memRepository) GetRulepack(ctx context.Context, jurisdiction, filingType, version string) (*domain.CompiledRulepack, error) {
	for _, p := range r.packs {
		if p.Jurisdiction == jurisdiction && p.FilingType == filingType && p.Version == version {
			return p, nil
		}
	}
	return nil, domain.ErrRulepackNotFound
}

func (r *memRepository) GetRulepackByID(ctx context.Context, id string) (*domain.CompiledRulepack, error) {
	for _, p := range r.packs {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, domain.ErrRulepackNotFound
}

func (r *memRepository) ListRulepacks(ctx context.Context, jurisdiction, filingType string) ([]*domain.CompiledRulepack, error) {
	return r.packs, nil
}

func (r *memRepository) ResolveActive(ctx context.Context, jurisdiction, filingType string, asOf time.Time) (*domain.CompiledRulepack, error) {
	for _, p := range r.packs {
		if p.Jurisdiction == jurisdiction && p.FilingType == filingType && p.Status == domain.StatusActive && !p.EffectiveFrom.After(asOf) {
			return p, nil
		}
	}
	return nil, domain.ErrRulepackNotFound
}

func (r *memRepository) SetStatus(ctx context.Context, jurisdiction, filingType, version string, status domain.RulepackStatus) error {
	for _, p := range r.packs {
		if p.Jurisdiction == jurisdiction && p.FilingType == filingType && p.Version == version {
			p.Status = status
			return nil
		}
	}
	return domain.ErrRulepackNotFound
}

func (r *memRepository) Ping(ctx context.Context) error { return nil }
func (r *memRepository) Close() error                   { return nil }

// activePack compiles a small VAT pack and marks it active.
func activePack(t *testing.T, repo *memRepository) *domain.CompiledRulepack {
	t.Helper()

	doc := &domain.RulepackDocument{
		Jurisdiction:  "uk",
		FilingType:    "vat-return",
		Version:       "1.0.0",
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rules: []domain.Rule{
			{
				ID:   "charge-vat",
				Name: "Charge VAT on sales",
				Condition: domain.ConditionNode{
					Type:  domain.ConditionExists,
					Field: "sales.total",
				},
				Action: domain.ActionSpec{
					Type:          domain.ActionCalculate,
					Field:         "vat.due",
					CalculationID: "vat_due",
				},
			},
		},
		Calculations: []domain.Calculation{
			{
				ID:           "vat_due",
				Formula:      "sales.total * standard_rate",
				Dependencies: []string{"sales.total"},
			},
		},
		Thresholds: []domain.Threshold{
			{Name: "standard_rate", Value: 0.2},
		},
	}

	pack, canonical, err := rulepack.Compile(doc)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if err := repo.SaveRulepack(context.Background(), pack, canonical); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	pack.Status = domain.StatusActive
	return pack
}

func requestContext() *domain.EvaluationContext {
	return &domain.EvaluationContext{
		PeriodStart: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"sales": map[string]any{"total": 1000.0},
		},
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := &memRepository{}
	pack := activePack(t, repo)
	service := orchestrator.New(repo, nil, eventBus, nil)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, service)

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		w := NewWorker(eventBus, service)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		var completedReceived atomic.Bool
		var completedPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicEvaluationCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedPayload = msg.Payload
			completedReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		req := EvaluationRequest{
			RequestID:    "req-001",
			Jurisdiction: "uk",
			FilingType:   "vat-return",
			Context:      requestContext(),
		}

		payload, _ := json.Marshal(req)
		if err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicEvaluationRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		time.Sleep(100 * time.Millisecond)

		if !completedReceived.Load() {
			t.Fatal("expected completed event to be published")
		}

		var outcome EvaluationOutcome
		if err := json.Unmarshal(completedPayload, &outcome); err != nil {
			t.Fatalf("failed to parse outcome: %v", err)
		}
		if outcome.RequestID != "req-001" {
			t.Errorf("expected requestID 'req-001', got '%s'", outcome.RequestID)
		}
		if outcome.Result == nil {
			t.Fatal("expected result in outcome")
		}
		if got := outcome.Result.CalculatedValues["vat.due"]; got != 200 {
			t.Errorf("expected vat.due=200, got %v", got)
		}
	})

	t.Run("PinnedRulepack", func(t *testing.T) {
		w := NewWorker(eventBus, service)
		w.Start(Config{TenantIDs: []string{"tenant-pin"}})
		defer w.Stop()

		var outcomePayload atomic.Pointer[domain.Message]
		eventBus.Subscribe(context.Background(), "tenant-pin", domain.TopicEvaluationCompleted, func(ctx context.Context, msg *domain.Message) error {
			outcomePayload.Store(msg)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		req := EvaluationRequest{
			RequestID:  "req-pin",
			RulepackID: pack.ID,
			Context:    requestContext(),
		}
		payload, _ := json.Marshal(req)
		eventBus.Publish(context.Background(), "tenant-pin", domain.TopicEvaluationRequested, payload)

		time.Sleep(100 * time.Millisecond)

		msg := outcomePayload.Load()
		if msg == nil {
			t.Fatal("expected completed event for pinned rulepack")
		}
		var outcome EvaluationOutcome
		json.Unmarshal(msg.Payload, &outcome)
		if outcome.Result == nil || outcome.Result.Metadata.RulepackID != pack.ID {
			t.Error("expected result pinned to requested rulepack")
		}
	})

	t.Run("FailurePublished", func(t *testing.T) {
		w := NewWorker(eventBus, service)
		w.Start(Config{TenantIDs: []string{"tenant-fail"}})
		defer w.Stop()

		var failedReceived atomic.Bool
		var failedPayload []byte
		eventBus.Subscribe(context.Background(), "tenant-fail", domain.TopicEvaluationFailed, func(ctx context.Context, msg *domain.Message) error {
			failedPayload = msg.Payload
			failedReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		req := EvaluationRequest{
			RequestID:    "req-missing",
			Jurisdiction: "de",
			FilingType:   "vat-return",
			Context:      requestContext(),
		}
		payload, _ := json.Marshal(req)
		eventBus.Publish(context.Background(), "tenant-fail", domain.TopicEvaluationRequested, payload)

		time.Sleep(100 * time.Millisecond)

		if !failedReceived.Load() {
			t.Fatal("expected failed event for unknown jurisdiction")
		}
		var outcome EvaluationOutcome
		if err := json.Unmarshal(failedPayload, &outcome); err != nil {
			t.Fatalf("failed to parse outcome: %v", err)
		}
		if outcome.Error == "" {
			t.Error("expected error message in failed outcome")
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, service)
		w.Start(Config{TenantIDs: []string{"tenant-sync"}})

		time.Sleep(50 * time.Millisecond)

		req := EvaluationRequest{
			RequestID:    "req-sync",
			Jurisdiction: "uk",
			FilingType:   "vat-return",
			Context:      requestContext(),
		}
		payload, _ := json.Marshal(req)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := eventBus.Request(ctx, "tenant-sync", domain.TopicEvaluationRequested, payload)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var outcome EvaluationOutcome
		if err := json.Unmarshal(reply, &outcome); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if outcome.RequestID != "req-sync" {
			t.Errorf("expected requestID 'req-sync', got '%s'", outcome.RequestID)
		}
		if outcome.Result == nil {
			t.Fatal("expected result in reply")
		}
		if got := outcome.Result.CalculatedValues["vat.due"]; got != 200 {
			t.Errorf("expected vat.due=200, got %v", got)
		}

		// Stop returns only after the request above has drained.
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, service)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
	})
}
