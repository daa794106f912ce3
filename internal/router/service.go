package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/apperrors"
	"github.com/brewline/control-plane/pkg/models"
)

// ModelConfig is the resolved routing decision for a role.
type ModelConfig struct {
	Model       string
	Provider    string
	Temperature *float64
	MaxTokens   *int
	Source      string // "registry" | "default"
}

// Service is the Model Routing Registry: role→model resolution plus the
// capability-learning retry loop around a single LLM call.
type Service struct {
	registry   *Registry
	knowledge  KnowledgeStore
	maxRetries int

	mu     sync.RWMutex
	rules  map[string]models.ModelRoutingRule
	caps   map[string]models.ModelKnowledge
	fallbackProvider string

	costMu sync.RWMutex
	costs  map[string]*models.CostSummary
}

func NewService(registry *Registry, knowledge KnowledgeStore, maxRetries int, fallbackProvider string) *Service {
	return &Service{
		registry:         registry,
		knowledge:        knowledge,
		maxRetries:       maxRetries,
		rules:            make(map[string]models.ModelRoutingRule),
		caps:             make(map[string]models.ModelKnowledge),
		fallbackProvider: fallbackProvider,
		costs:            make(map[string]*models.CostSummary),
	}
}

// LoadKnowledge hydrates learned capabilities at startup, per §4.H.3.
func (s *Service) LoadKnowledge(ctx context.Context) error {
	caps, err := s.knowledge.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	return nil
}

// SetRoutingRules replaces the role→model table, published by a fresh
// Knowledge Registry snapshot.
func (s *Service) SetRoutingRules(rules []models.ModelRoutingRule) {
	byTask := make(map[string]models.ModelRoutingRule, len(rules))
	for _, r := range rules {
		byTask[r.Task] = r
	}
	s.mu.Lock()
	s.rules = byTask
	s.mu.Unlock()
}

func (s *Service) GetModelConfig(role string) ModelConfig {
	s.mu.RLock()
	rule, ok := s.rules[role]
	s.mu.RUnlock()
	if !ok {
		return ModelConfig{Model: "gpt-4o-mini", Provider: s.fallbackProvider, Source: "default"}
	}
	return ModelConfig{
		Model:       rule.Model,
		Provider:    rule.Provider,
		Temperature: rule.Temperature,
		MaxTokens:   rule.MaxTokens,
		Source:      "registry",
	}
}

func (s *Service) capsFor(model string) models.ModelKnowledge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.caps[model]; ok {
		return k
	}
	return models.ModelKnowledge{Model: model, SupportsCustomTemperature: true, SupportsJSONMode: true}
}

func (s *Service) RequiresMaxCompletionTokens(model string) bool {
	return s.capsFor(model).RequiresMaxCompletionTokens
}

func (s *Service) DoesNotSupportCustomTemperature(model string) bool {
	return !s.capsFor(model).SupportsCustomTemperature
}

func (s *Service) SupportsJSONMode(model string) bool {
	return s.capsFor(model).SupportsJSONMode
}

// applyCapabilities narrows a request's parameters to what the model is
// currently known to support, before the first attempt. Only the
// temperature flag is applied; the max_completion_tokens and JSON-mode
// flags are recorded but do not change the request.
func (s *Service) applyCapabilities(req *models.RouteRequest, model string) {
	caps := s.capsFor(model)
	if !caps.SupportsCustomTemperature {
		req.Temperature = nil
	}
}

// Call resolves role→model, then calls the provider, learning and
// retrying on a parameter-compat error up to maxRetries times.
func (s *Service) Call(ctx context.Context, role string, messages []models.ChatMessage, schemaKey string) (*models.RouteResponse, error) {
	cfg := s.GetModelConfig(role)
	driver, ok := s.registry.Get(cfg.Provider)
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "router.Call", "no driver registered for provider "+cfg.Provider, nil)
	}

	req := &models.RouteRequest{
		Role:        role,
		Model:       cfg.Model,
		Messages:    messages,
		SchemaKey:   schemaKey,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	s.applyCapabilities(req, cfg.Model)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		resp, err := driver.Call(ctx, req)
		if err == nil {
			s.trackCost(role, resp)
			return resp, nil
		}
		lastErr = err

		ae, isAppErr := err.(*apperrors.Error)
		if !isAppErr || ae.Kind != apperrors.KindProviderParamUnsupported {
			return nil, err
		}

		field, known := classifyParamError(ae.Message)
		if !known {
			return nil, err
		}
		s.learn(ctx, cfg.Model, field, ae.Message)
		s.applyCapabilities(req, cfg.Model)
		log.Warn().Str("model", cfg.Model).Str("field", field).Int("attempt", attempt).Msg("narrowing request parameters after provider rejection")
	}
	return nil, lastErr
}

// learn records a capability finding and persists it, so future calls
// (and future process restarts, once LoadKnowledge runs) skip the
// rejected parameter outright.
func (s *Service) learn(ctx context.Context, model, field, observedErr string) {
	s.mu.Lock()
	k := s.caps[model]
	k.Model = model
	switch field {
	case "supports_custom_temperature":
		k.SupportsCustomTemperature = false
	case "requires_max_completion_tokens":
		k.RequiresMaxCompletionTokens = true
	case "supports_json_mode":
		k.SupportsJSONMode = false
	}
	k.LastObservedError = observedErr
	s.caps[model] = k
	s.mu.Unlock()

	if err := s.knowledge.Save(ctx, k); err != nil {
		log.Warn().Err(err).Str("model", model).Msg("failed to persist learned model knowledge")
	}
}

// trackCost accumulates a call's estimated spend into the role's running
// CostSummary, grounded on the teacher's per-kitchen cost ledger but keyed
// by role since this domain has no kitchen/branch dimension at the call
// site.
func (s *Service) trackCost(role string, resp *models.RouteResponse) {
	if role == "" {
		role = "default"
	}
	s.costMu.Lock()
	defer s.costMu.Unlock()

	summary, ok := s.costs[role]
	if !ok {
		summary = &models.CostSummary{
			Period:     "session",
			ByModel:    make(map[string]float64),
			ByProvider: make(map[string]float64),
		}
		s.costs[role] = summary
	}

	summary.TotalCostUSD += resp.Usage.EstimatedCostUSD
	summary.TotalTokens += resp.Usage.TotalTokens
	summary.ByModel[resp.Model] += resp.Usage.EstimatedCostUSD
	summary.ByProvider[resp.Provider] += resp.Usage.EstimatedCostUSD
}

// GetCostSummary returns the accumulated cost summary for a role, per
// SPEC_FULL.md's Model Routing Registry supplement.
func (s *Service) GetCostSummary(role string) *models.CostSummary {
	if role == "" {
		role = "default"
	}
	s.costMu.RLock()
	defer s.costMu.RUnlock()

	if summary, ok := s.costs[role]; ok {
		return summary
	}
	return &models.CostSummary{
		Period:     "session",
		ByModel:    make(map[string]float64),
		ByProvider: make(map[string]float64),
	}
}

// Probe eagerly exercises a model with a minimal request to discover its
// capabilities ahead of real traffic. Best-effort and cost-bearing.
func (s *Service) Probe(ctx context.Context, provider, model string) error {
	driver, ok := s.registry.Get(provider)
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "router.Probe", "no driver registered for provider "+provider, nil)
	}
	temp := 0.7
	req := &models.RouteRequest{
		Model:       model,
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		Temperature: &temp,
	}
	_, err := driver.Call(ctx, req)
	if err == nil {
		return nil
	}
	ae, ok := err.(*apperrors.Error)
	if !ok || ae.Kind != apperrors.KindProviderParamUnsupported {
		return err
	}
	if field, known := classifyParamError(ae.Message); known {
		s.learn(ctx, model, field, ae.Message)
	}
	return nil
}
