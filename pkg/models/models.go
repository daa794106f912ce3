package models

import "time"

// ── ConversationMessage ──────────────────────────────────────

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type ConversationMessage struct {
	ID                string            `json:"id" db:"id"`
	ConversationID     string            `json:"conversation_id" db:"conversation_id"`
	ContactID          string            `json:"contact_id,omitempty" db:"contact_id"`
	Role               MessageRole       `json:"role" db:"role"`
	Content            string            `json:"content" db:"content"`
	MessageTimestamp   time.Time         `json:"message_timestamp" db:"message_timestamp"`
	Metadata           map[string]string `json:"metadata,omitempty" db:"metadata"`
	Summarized         bool              `json:"summarized" db:"summarized"`
	SummaryID          string            `json:"summary_id,omitempty" db:"summary_id"`
}

// ── ConversationSummary ──────────────────────────────────────

type SummaryMetadata struct {
	PrimaryIntent    string   `json:"primary_intent,omitempty"`
	ResolutionStatus string   `json:"resolution_status,omitempty"`
	Sentiment        string   `json:"sentiment,omitempty"`
	ProductsMentioned []string `json:"products_mentioned,omitempty"`
}

type ConversationSummary struct {
	ID               string          `json:"id" db:"id"`
	ConversationID   string          `json:"conversation_id" db:"conversation_id"`
	ContactID        string          `json:"contact_id,omitempty" db:"contact_id"`
	SummaryText      string          `json:"summary_text" db:"summary_text"`
	MessagesStartAt  time.Time       `json:"messages_start_at" db:"messages_start_at"`
	MessagesEndAt    time.Time       `json:"messages_end_at" db:"messages_end_at"`
	MessageCount     int             `json:"message_count" db:"message_count"`
	EstimatedTokens  int             `json:"estimated_tokens" db:"estimated_tokens"`
	SummaryEmbedding []float32       `json:"-" db:"summary_embedding"`
	Metadata         SummaryMetadata `json:"metadata"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ── ConversationFact ──────────────────────────────────────────

type ConversationFact struct {
	ID                   string     `json:"id" db:"id"`
	ContactID            string     `json:"contact_id" db:"contact_id"`
	SourceConversationID string     `json:"source_conversation_id" db:"source_conversation_id"`
	FactType             string     `json:"fact_type" db:"fact_type"`
	FactKey              string     `json:"fact_key" db:"fact_key"`
	FactValue            string     `json:"fact_value" db:"fact_value"`
	FactEmbedding        []float32  `json:"-" db:"fact_embedding"`
	Confidence           float64    `json:"confidence" db:"confidence"`
	LastConfirmedAt      time.Time  `json:"last_confirmed_at" db:"last_confirmed_at"`
	IsStale              bool       `json:"is_stale" db:"is_stale"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// ── VectorEmbedding ───────────────────────────────────────────

type VectorCategory string

const (
	CategoryProduct   VectorCategory = "product"
	CategoryBranch    VectorCategory = "branch"
	CategoryFAQ       VectorCategory = "faq"
	CategoryKnowledge VectorCategory = "knowledge"
	CategoryCanned    VectorCategory = "canned"
)

type VectorEmbedding struct {
	ID          string                 `json:"id" db:"id"`
	ContentHash string                 `json:"content_hash" db:"content_hash"`
	Category    VectorCategory         `json:"category" db:"category"`
	Source      string                 `json:"source,omitempty" db:"source"`
	ContentText string                 `json:"content_text" db:"content_text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Embedding   []float32              `json:"-" db:"embedding"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	HitCount    int64                  `json:"hit_count" db:"hit_count"`
	LastHitAt   *time.Time             `json:"last_hit_at,omitempty" db:"last_hit_at"`
}

// ── VectorResponseCacheEntry ─────────────────────────────────

type VectorResponseCacheEntry struct {
	ID               string                 `json:"id" db:"id"`
	QueryHash        string                 `json:"query_hash" db:"query_hash"`
	QueryText        string                 `json:"query_text" db:"query_text"`
	QueryEmbedding   []float32              `json:"-" db:"query_embedding"`
	ResponseText     string                 `json:"response_text" db:"response_text"`
	ResponseMetadata map[string]interface{} `json:"response_metadata,omitempty" db:"response_metadata"`
	Category         VectorCategory         `json:"category" db:"category"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	HitCount         int64                  `json:"hit_count" db:"hit_count"`
	LastHitAt        *time.Time             `json:"last_hit_at,omitempty" db:"last_hit_at"`
}

// ── ConfigSnapshot ────────────────────────────────────────────

type Branch struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	ShortName string            `json:"short_name,omitempty"`
	Address   string            `json:"address,omitempty"`
	City      string            `json:"city,omitempty"`
	Hours     string            `json:"hours,omitempty"`
	Synonyms  []string          `json:"synonyms,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Product struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Price         float64  `json:"price,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	FuzzyKeywords []string `json:"fuzzy_keywords,omitempty"`
}

type FAQ struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type CannedResponse struct {
	ID       string `json:"id"`
	Trigger  string `json:"trigger"`
	Response string `json:"response"`
	Category string `json:"category,omitempty"`
}

type SeasonRule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Effect     string `json:"effect"`
}

type OrderModifyPolicy struct {
	AllowCancelWindowMinutes int  `json:"allow_cancel_window_minutes"`
	AllowItemSwap            bool `json:"allow_item_swap"`
}

type ModelRoutingRule struct {
	Task        string   `json:"task"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type ConfigSnapshot struct {
	Version           int64              `json:"version"`
	FetchedAt         time.Time          `json:"fetched_at"`
	Branches          []Branch           `json:"branches"`
	Products          []Product          `json:"products"`
	FAQs              []FAQ              `json:"faqs"`
	Canned            []CannedResponse   `json:"canned"`
	Knowledge         []VectorEmbedding  `json:"knowledge"`
	SeasonRules       []SeasonRule       `json:"season_rules"`
	OrderModifyPolicy OrderModifyPolicy  `json:"order_modify_policy"`
	ModelRouting      []ModelRoutingRule `json:"model_routing"`
	IsFallback        bool               `json:"_is_fallback,omitempty"`
}

// ── ActionRecord ──────────────────────────────────────────────

type AutonomyLevel string

const (
	AutonomyAuto     AutonomyLevel = "auto"
	AutonomyDraft    AutonomyLevel = "draft"
	AutonomyApproval AutonomyLevel = "approval"
	AutonomyCritical AutonomyLevel = "critical"
)

type ActionState string

const (
	ActionProposed        ActionState = "PROPOSED"
	ActionDraft           ActionState = "DRAFT"
	ActionPendingApproval ActionState = "PENDING_APPROVAL"
	ActionPending2FA      ActionState = "PENDING_2FA"
	ActionApproved        ActionState = "APPROVED"
	ActionExecuting       ActionState = "EXECUTING"
	ActionExecuted        ActionState = "EXECUTED"
	ActionFailed          ActionState = "FAILED"
	ActionRejected        ActionState = "REJECTED"
	ActionCancelled       ActionState = "CANCELLED"
	ActionExpired         ActionState = "EXPIRED"
)

type ActionMetadata struct {
	ApprovedBy       string                 `json:"approved_by,omitempty"`
	ExecutedAt       *time.Time             `json:"executed_at,omitempty"`
	ExecutionResult  map[string]interface{} `json:"execution_result,omitempty"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
}

type ActionRecord struct {
	ActionID      string                 `json:"action_id" db:"action_id"`
	ActionType    string                 `json:"action_type" db:"action_type"`
	Payload       map[string]interface{} `json:"payload" db:"payload"`
	Context       map[string]interface{} `json:"context,omitempty" db:"context"`
	RequestedBy   string                 `json:"requested_by" db:"requested_by"`
	Reason        string                 `json:"reason,omitempty" db:"reason"`
	AutonomyLevel AutonomyLevel          `json:"autonomy_level" db:"autonomy_level"`
	Handler       string                 `json:"handler" db:"handler"`
	State         ActionState            `json:"state" db:"state"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" db:"updated_at"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty" db:"expires_at"`
	Metadata      ActionMetadata         `json:"metadata"`
}

// ── ModelKnowledge ────────────────────────────────────────────

// ── Guardrail evaluation ──────────────────────────────────────

type GuardrailViolation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

type GuardrailEvaluation struct {
	Passed     bool                 `json:"passed"`
	Violations []GuardrailViolation `json:"violations,omitempty"`
	Sanitized  string               `json:"sanitized,omitempty"`
}

type ModelKnowledge struct {
	Model                       string    `json:"model" db:"model"`
	SupportsCustomTemperature   bool      `json:"supports_custom_temperature" db:"supports_custom_temperature"`
	RequiresMaxCompletionTokens bool      `json:"requires_max_completion_tokens" db:"requires_max_completion_tokens"`
	SupportsJSONMode            bool      `json:"supports_json_mode" db:"supports_json_mode"`
	LastObservedError           string    `json:"last_observed_error,omitempty" db:"last_observed_error"`
	UpdatedAt                   time.Time `json:"updated_at" db:"updated_at"`
}

// ── Chat / LLM call shapes ─────────────────────────────────────

type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
}

// CostSummary accumulates estimated spend for one role bucket across the
// process lifetime. Session-scoped: a restart resets it.
type CostSummary struct {
	Period        string             `json:"period"`
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalTokens   int                `json:"total_tokens"`
	ByModel       map[string]float64 `json:"by_model"`
	ByProvider    map[string]float64 `json:"by_provider"`
}

// RouteRequest is what the Model Routing Registry hands to a provider
// driver: the role name (for logging/knowledge lookups) plus the already
// resolved model, the messages, and an optional structured-output schema
// key.
type RouteRequest struct {
	Role        string        `json:"role"`
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	SchemaKey   string        `json:"schema_key,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type RouteResponse struct {
	Content  string     `json:"content"`
	Model    string     `json:"model"`
	Provider string     `json:"provider"`
	Usage    TokenUsage `json:"usage"`
}
