package replypipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/registry"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/internal/vectorstore"
	"github.com/brewline/control-plane/pkg/models"
)

// Legacy is the reasoning reply pipeline (§4.J): analyze → retrieve →
// generate → optionally validate, with bounded revision retries.
type Legacy struct {
	deps
	maxHistory            int
	maxRevisions          int
	skipResponseValidator bool
}

func NewLegacy(mem *memory.Service, reg *registry.Registry, vectors vectorstore.Driver, embed *embeddings.Service, r *router.Service, send func(context.Context, string, string, string) error, maxHistory, maxRevisions int, skipValidator bool) *Legacy {
	return &Legacy{
		deps:                  deps{memory: mem, reg: reg, vectors: vectors, embed: embed, router: r, send: send},
		maxHistory:            maxHistory,
		maxRevisions:          maxRevisions,
		skipResponseValidator: skipValidator,
	}
}

type analyzerOutput struct {
	Intent       string   `json:"intent"`
	Frustration  int      `json:"frustration"` // 0-5
	LoopDetected bool     `json:"loop_detected"`
	Strategy     string   `json:"strategy"`
	DataNeeds    []string `json:"data_needs"`
}

type validatorVerdict struct {
	Verdict             string `json:"verdict"` // approve | reject | needs_revision
	RevisionInstructions string `json:"revision_instructions,omitempty"`
}

func (p *Legacy) Run(ctx context.Context, req Request) (Result, error) {
	if _, err := p.memory.AddMessage(ctx, req.ConversationID, req.ContactID, models.RoleUser, req.MessageText, nil); err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("legacy pipeline: failed to append inbound message")
	}

	analysis, err := p.analyze(ctx, req)
	if err != nil {
		return p.finish(ctx, req, apologyResult("legacy"))
	}

	retrieved := p.retrieve(ctx, req, analysis)

	llmCtx, err := p.memory.GetContextForLLM(ctx, req.ConversationID, p.maxHistory, req.ContactID, req.MessageText)
	if err != nil {
		return p.finish(ctx, req, apologyResult("legacy"))
	}

	var revisionInstructions string
	aiCalls := 1
	var candidate string
	for attempt := 0; attempt <= p.maxRevisions; attempt++ {
		candidate, err = p.generate(ctx, req, analysis, retrieved, llmCtx.Messages, revisionInstructions)
		if err != nil {
			return p.finish(ctx, req, apologyResult("legacy"))
		}
		candidate = sanitizeChannelSuggestions(candidate, analysis)

		if p.skipResponseValidator {
			break
		}
		verdict, verr := p.validate(ctx, req.MessageText, candidate)
		aiCalls++
		if verr != nil {
			break // validator failure: commit the candidate rather than stall the reply
		}
		switch verdict.Verdict {
		case "approve":
			attempt = p.maxRevisions + 1 // exit loop
		case "reject":
			log.Info().Str("conversation_id", req.ConversationID).Msg("legacy pipeline: validator rejected candidate")
			return p.finish(ctx, req, apologyResult("legacy"))
		case "needs_revision":
			revisionInstructions = verdict.RevisionInstructions
		}
	}

	return p.finish(ctx, req, Result{Response: candidate, Source: SourceAI, Confidence: 0.7, AICalls: aiCalls, FlowType: "legacy"})
}

func (p *Legacy) analyze(ctx context.Context, req Request) (analyzerOutput, error) {
	resp, err := p.router.Call(ctx, "analyzer", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Classify the customer message: intent, frustration (0-5), whether this looks like a repeated loop, a response strategy, and what data is needed to answer well."},
		{Role: models.RoleUser, Content: req.MessageText},
	}, "conversation_analysis")
	if err != nil {
		return analyzerOutput{}, err
	}
	var out analyzerOutput
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return analyzerOutput{Intent: "general", Strategy: "direct_answer"}, nil
	}
	return out, nil
}

// retrieve loads canned/FAQ/branch/product/promo data from the current
// snapshot and the vector store, gated by the analyzer's data_needs and
// simple keyword heuristics.
func (p *Legacy) retrieve(ctx context.Context, req Request, analysis analyzerOutput) string {
	snapshot := p.reg.Current()
	var b strings.Builder
	b.WriteString(minimalContext(snapshot, req.MessageText))
	if effects := registry.ActiveEffects(snapshot, req.BranchID, time.Now()); len(effects) > 0 {
		fmt.Fprintf(&b, "Active seasonal effects: %s\n", strings.Join(effects, "; "))
	}

	needsVector := false
	for _, need := range analysis.DataNeeds {
		if need == "knowledge" || need == "faq" {
			needsVector = true
		}
	}
	if needsVector {
		if vec := p.embed.Embed(ctx, req.MessageText); vec != nil {
			results, err := p.vectors.Search(ctx, vec, vectorstore.SearchOptions{Category: models.CategoryKnowledge, Limit: 3})
			if err == nil {
				for _, r := range results {
					fmt.Fprintf(&b, "Knowledge: %s\n", r.Doc.ContentText)
				}
			}
		}
	}
	return b.String()
}

func (p *Legacy) generate(ctx context.Context, req Request, analysis analyzerOutput, retrieved string, history []models.ConversationMessage, revisionInstructions string) (string, error) {
	prompt := fmt.Sprintf(
		"Intent: %s\nStrategy: %s\nFrustration: %d/5\nRetrieved data:\n%s\nRecent messages:\n%s\nCustomer: %s",
		analysis.Intent, analysis.Strategy, analysis.Frustration, capText(retrieved, 4000), capText(renderHistory(history), 4000), req.MessageText,
	)
	if revisionInstructions != "" {
		prompt += "\n\nRevision instructions: " + revisionInstructions
	}

	resp, err := p.router.Call(ctx, "generator", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "You are a customer-support assistant. Compose a helpful, on-brand reply."},
		{Role: models.RoleUser, Content: prompt},
	}, "")
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (p *Legacy) validate(ctx context.Context, userMessage, candidate string) (validatorVerdict, error) {
	resp, err := p.router.Call(ctx, "validator", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Judge whether this candidate reply adequately and safely answers the customer message. Respond with a verdict of approve, reject, or needs_revision."},
		{Role: models.RoleUser, Content: fmt.Sprintf("Customer message: %s\nCandidate reply: %s", userMessage, candidate)},
	}, "validator_verdict")
	if err != nil {
		return validatorVerdict{}, err
	}
	var v validatorVerdict
	if err := json.Unmarshal([]byte(resp.Content), &v); err != nil {
		return validatorVerdict{Verdict: "approve"}, nil
	}
	return v, nil
}

// sanitizeChannelSuggestions strips suggestions to move to another
// channel (phone, email) unless the analyzer signaled a handoff. The
// customer's own message is not consulted, so a channel the customer
// raised first is stripped as well.
func sanitizeChannelSuggestions(text string, analysis analyzerOutput) string {
	if analysis.Strategy == "handoff" {
		return text
	}
	channelPhrases := []string{"give us a call", "call us at", "email us at", "send us an email"}
	lower := strings.ToLower(text)
	for _, phrase := range channelPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			if end := strings.IndexAny(text[idx:], ".!\n"); end >= 0 {
				text = text[:idx] + text[idx+end+1:]
				lower = strings.ToLower(text)
			}
		}
	}
	return strings.TrimSpace(text)
}

func (p *Legacy) finish(ctx context.Context, req Request, result Result) (Result, error) {
	if _, err := p.memory.AddMessage(ctx, req.ConversationID, req.ContactID, models.RoleAssistant, result.Response, nil); err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("legacy pipeline: failed to append outbound message")
	}
	send := resolveSend(req, p.send)
	if send != nil {
		if err := send(ctx, req.AccountID, req.ConversationID, result.Response); err != nil {
			log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("legacy pipeline: send failed")
		}
	}
	return result, nil
}
