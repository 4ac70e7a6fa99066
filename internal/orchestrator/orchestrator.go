// Package orchestrator coordinates the rulepack lifecycle and the
// evaluation pipeline: compile and persist on the write path, resolve
// and execute on the read path.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/rulepack"
)

var tracer = otel.Tracer("merlin-orchestrator")

const (
	engineVersion = "merlin-1.0"

	// Active-pack resolution is cached per (scope, asOf date). A newly
	// registered version with a past effectiveFrom becomes visible when
	// the entry expires, so the TTL bounds registration-to-live lag.
	packCacheTTL = 5 * time.Minute
)

// Service wires the compiler, repository, cache and event bus into the
// two operations the platform exposes: registering rulepack versions
// and evaluating filings against them.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	logger *slog.Logger
}

// New creates an orchestrator service. Cache and bus may be nil; the
// service then resolves straight from the repository and skips event
// publication.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		bus:    bus,
		logger: logger,
	}
}

// RegisteredEvent is the payload published on TopicRulepackRegistered
// after a version is durably persisted.
type RegisteredEvent struct {
	RulepackID    string    `json:"rulepackId"`
	Jurisdiction  string    `json:"jurisdiction"`
	FilingType    string    `json:"filingType"`
	Version       string    `json:"version"`
	ContentHash   string    `json:"contentHash"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
}

// Register compiles a rulepack document and appends it to the
// versioned catalog. Compile failures return the full issue list;
// a (jurisdiction, filingType, version) collision returns
// domain.ErrVersionConflict. Publication of the registered event is
// best effort: once persisted, registration has succeeded.
func (s *Service) Register(ctx context.Context, tenantID string, doc *domain.RulepackDocument) (*domain.CompiledRulepack, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Register",
		trace.WithAttributes(
			attribute.String("rulepack.jurisdiction", doc.Jurisdiction),
			attribute.String("rulepack.filing_type", doc.FilingType),
			attribute.String("rulepack.version", doc.Version),
		))
	defer span.End()

	pack, canonical, err := rulepack.Compile(doc)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveRulepack(ctx, pack, canonical); err != nil {
		return nil, err
	}

	if s.bus != nil && tenantID != "" {
		payload, _ := json.Marshal(RegisteredEvent{
			RulepackID:    pack.ID,
			Jurisdiction:  pack.Jurisdiction,
			FilingType:    pack.FilingType,
			Version:       pack.Version,
			ContentHash:   pack.ContentHash,
			EffectiveFrom: pack.EffectiveFrom,
		})
		if err := s.bus.Publish(ctx, tenantID, domain.TopicRulepackRegistered, payload); err != nil {
			s.logger.Warn("failed to publish rulepack registered event",
				"rulepack_id", pack.ID,
				"error", err)
		}
	}

	s.logger.Info("rulepack registered",
		"rulepack_id", pack.ID,
		"jurisdiction", pack.Jurisdiction,
		"filing_type", pack.FilingType,
		"version", pack.Version,
		"content_hash", pack.ContentHash)

	return pack, nil
}

// Evaluate resolves the legally-effective rulepack for the filing's
// period end and executes it against the evaluation context. Returns
// domain.ErrRulepackNotFound when no version is effective.
func (s *Service) Evaluate(ctx context.Context, jurisdiction, filingType string, ectx *domain.EvaluationContext) (*domain.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Evaluate",
		trace.WithAttributes(
			attribute.String("rulepack.jurisdiction", jurisdiction),
			attribute.String("rulepack.filing_type", filingType),
		))
	defer span.End()

	asOf := ectx.PeriodEnd
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	pack, err := s.resolvePack(ctx, jurisdiction, filingType, asOf)
	if err != nil {
		return nil, err
	}

	return s.run(span, pack, ectx), nil
}

// EvaluateWithRulepack executes one specific catalog entry, bypassing
// temporal resolution. Used for draft previews and replaying past
// evaluations against a pinned version.
func (s *Service) EvaluateWithRulepack(ctx context.Context, rulepackID string, ectx *domain.EvaluationContext) (*domain.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.EvaluateWithRulepack",
		trace.WithAttributes(attribute.String("rulepack.id", rulepackID)))
	defer span.End()

	pack, err := s.repo.GetRulepackByID(ctx, rulepackID)
	if err != nil {
		return nil, err
	}

	return s.run(span, pack, ectx), nil
}

func (s *Service) run(span trace.Span, pack *domain.CompiledRulepack, ectx *domain.EvaluationContext) *domain.EvaluationResult {
	result := rulepack.NewExecutor(pack).Run(ectx)

	result.Metadata.EngineVersion = engineVersion
	if span.SpanContext().TraceID().IsValid() {
		result.Metadata.TraceID = span.SpanContext().TraceID().String()
	} else {
		result.Metadata.TraceID = uuid.New().String()
	}

	s.logger.Info("evaluation completed",
		"trace_id", result.Metadata.TraceID,
		"rulepack_id", pack.ID,
		"rulepack_version", pack.Version,
		"rules_fired", result.Metadata.RulesFired,
		"field_errors", len(result.FieldErrors),
		"total_ms", result.Metadata.TotalMs)

	return result
}

// resolvePack looks up the active version for the scope and date,
// consulting the cache first. Cache failures degrade to repository
// reads.
func (s *Service) resolvePack(ctx context.Context, jurisdiction, filingType string, asOf time.Time) (*domain.CompiledRulepack, error) {
	scope := jurisdiction + ":" + filingType
	key := asOf.UTC().Format("2006-01-02")

	if s.cache != nil {
		pack, err := s.cache.GetRulepack(ctx, scope, key)
		if err != nil {
			s.logger.Warn("rulepack cache read failed", "scope", scope, "error", err)
		} else if pack != nil {
			return pack, nil
		}
	}

	pack, err := s.repo.ResolveActive(ctx, jurisdiction, filingType, asOf)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetRulepack(ctx, scope, key, pack, packCacheTTL); err != nil {
			s.logger.Warn("rulepack cache write failed", "scope", scope, "error", err)
		}
	}

	return pack, nil
}
