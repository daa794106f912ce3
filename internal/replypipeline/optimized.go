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

// Optimized is the hot-path reply pipeline (§4.I): cache check, canned
// check, one LLM call on miss.
type Optimized struct {
	deps
	cacheSimThreshold  float64
	cannedSimThreshold float64
	maxHistory         int
}

func NewOptimized(mem *memory.Service, reg *registry.Registry, vectors vectorstore.Driver, embed *embeddings.Service, r *router.Service, send func(context.Context, string, string, string) error, cacheSimThreshold, cannedSimThreshold float64, maxHistory int) *Optimized {
	return &Optimized{
		deps:               deps{memory: mem, reg: reg, vectors: vectors, embed: embed, router: r, send: send},
		cacheSimThreshold:  cacheSimThreshold,
		cannedSimThreshold: cannedSimThreshold,
		maxHistory:         maxHistory,
	}
}

type tanaReply struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
}

func (p *Optimized) Run(ctx context.Context, req Request) (Result, error) {
	if _, err := p.memory.AddMessage(ctx, req.ConversationID, req.ContactID, models.RoleUser, req.MessageText, nil); err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("optimized pipeline: failed to append inbound message")
	}

	queryVec := p.embed.Embed(ctx, req.MessageText)

	if queryVec != nil {
		if cached, sim, err := p.vectors.GetCachedResponse(ctx, queryVec, p.cacheSimThreshold); err == nil && cached != nil {
			log.Debug().Float64("similarity", sim).Msg("optimized pipeline: semantic cache hit")
			return p.finish(ctx, req, Result{Response: cached.ResponseText, Source: SourceCache, Confidence: 1.0, FlowType: "optimized"})
		}

		if canned := p.cannedCheck(ctx, queryVec); canned != nil {
			return p.finish(ctx, req, Result{Response: canned.Doc.ContentText, Source: SourceCanned, Confidence: 1.0, FlowType: "optimized"})
		}
	}

	result, err := p.aiStep(ctx, req)
	if err != nil {
		return p.finish(ctx, req, apologyResult("optimized"))
	}
	return p.finish(ctx, req, result)
}

func (p *Optimized) cannedCheck(ctx context.Context, queryVec []float32) *vectorstore.SearchResult {
	for _, cat := range []models.VectorCategory{models.CategoryCanned, models.CategoryFAQ} {
		results, err := p.vectors.Search(ctx, queryVec, vectorstore.SearchOptions{Category: cat, Threshold: p.cannedSimThreshold, Limit: 1})
		if err != nil || len(results) == 0 {
			continue
		}
		return &results[0]
	}
	return nil
}

func (p *Optimized) aiStep(ctx context.Context, req Request) (Result, error) {
	snapshot := p.reg.Current()
	contextBlock := minimalContext(snapshot, req.MessageText)
	if effects := registry.ActiveEffects(snapshot, req.BranchID, time.Now()); len(effects) > 0 {
		contextBlock += "Active seasonal effects: " + strings.Join(effects, "; ") + "\n"
	}

	llmCtx, err := p.memory.GetContextForLLM(ctx, req.ConversationID, p.maxHistory, req.ContactID, req.MessageText)
	if err != nil {
		return Result{}, err
	}
	historyBlock := renderHistory(llmCtx.Messages)

	prompt := fmt.Sprintf("Context:\n%s\n\nConversation so far:\n%s\n\nCustomer: %s", capText(contextBlock, 4000), capText(historyBlock, 4000), req.MessageText)

	resp, err := p.router.Call(ctx, "reply", []models.ChatMessage{
		{Role: models.RoleSystem, Content: "You are a friendly customer-support assistant. Reply concisely."},
		{Role: models.RoleUser, Content: prompt},
	}, "tania_reply")
	if err != nil {
		return Result{}, err
	}

	var parsed tanaReply
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil || parsed.Response == "" {
		parsed = tanaReply{Response: resp.Content, Confidence: 0.6}
	}

	if parsed.Confidence > 0.5 {
		if queryVec := p.embed.Embed(ctx, req.MessageText); queryVec != nil {
			if err := p.vectors.SetCachedResponse(ctx, req.MessageText, queryVec, parsed.Response, models.CategoryKnowledge, 7*24*time.Hour); err != nil {
				log.Warn().Err(err).Msg("optimized pipeline: failed to write semantic cache")
			}
		}
	}

	return Result{Response: parsed.Response, Source: SourceAI, Confidence: parsed.Confidence, AICalls: 1, FlowType: "optimized"}, nil
}

func (p *Optimized) finish(ctx context.Context, req Request, result Result) (Result, error) {
	if _, err := p.memory.AddMessage(ctx, req.ConversationID, req.ContactID, models.RoleAssistant, result.Response, nil); err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("optimized pipeline: failed to append outbound message")
	}
	send := resolveSend(req, p.send)
	if send != nil {
		if err := send(ctx, req.AccountID, req.ConversationID, result.Response); err != nil {
			// The reply has already been produced; retrying the whole
			// pipeline would re-spend LLM cost non-idempotently, so
			// send failures are logged and swallowed.
			log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("optimized pipeline: send failed")
		}
	}
	return result, nil
}

// minimalContext assembles keyword-gated sub-collections of the current
// snapshot rather than the whole thing, keeping the prompt compact.
func minimalContext(snapshot *models.ConfigSnapshot, messageText string) string {
	lower := strings.ToLower(messageText)
	var b strings.Builder
	for _, br := range snapshot.Branches {
		if strings.Contains(lower, strings.ToLower(br.Name)) {
			fmt.Fprintf(&b, "Branch %s: %s, hours %s\n", br.Name, br.Address, br.Hours)
		}
	}
	for _, pr := range snapshot.Products {
		if strings.Contains(lower, strings.ToLower(pr.Name)) {
			fmt.Fprintf(&b, "Product %s: %s ($%.2f)\n", pr.Name, pr.Description, pr.Price)
		}
	}
	return b.String()
}

func renderHistory(messages []models.ConversationMessage) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func capText(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
