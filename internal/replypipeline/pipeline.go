// Package replypipeline implements the two reply-generation paths: the
// optimized hot path (§4.I) and the legacy reasoning path (§4.J), chosen
// per request by the Selector (§4.K).
package replypipeline

import (
	"context"

	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/memory"
	"github.com/brewline/control-plane/internal/registry"
	"github.com/brewline/control-plane/internal/router"
	"github.com/brewline/control-plane/internal/vectorstore"
)

// Request is a unit of work handed to either pipeline by the Selector.
type Request struct {
	ConversationID string
	AccountID      string
	ContactID      string
	BranchID       string
	MessageText    string
	SendCallback   func(ctx context.Context, accountID, conversationID, text string) error
}

// Source classifies where a reply came from, for observability.
type Source string

const (
	SourceCache   Source = "cache"
	SourceCanned  Source = "canned"
	SourceAI      Source = "ai"
	SourceApology Source = "apology"
)

// Result is the uniform shape both pipelines (and the Selector) return.
type Result struct {
	Response   string
	Source     Source
	Confidence float64
	AICalls    int
	DurationMS int64
	FlowType   string // "optimized" | "legacy"
}

const apologyText = "I'm sorry, something went wrong on our end. Could you try again in a moment?"

func apologyResult(flowType string) Result {
	return Result{Response: apologyText, Source: SourceApology, Confidence: 0.2, FlowType: flowType}
}

// Pipeline is satisfied by both Optimized and Legacy.
type Pipeline interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// deps bundles the collaborators both pipelines share: conversation
// memory, the knowledge registry's current snapshot, the vector store,
// and the model router.
type deps struct {
	memory  *memory.Service
	reg     *registry.Registry
	vectors vectorstore.Driver
	embed   *embeddings.Service
	router  *router.Service
	send    func(ctx context.Context, accountID, conversationID, text string) error
}

func resolveSend(req Request, fallback func(ctx context.Context, accountID, conversationID, text string) error) func(context.Context, string, string, string) error {
	if req.SendCallback != nil {
		return req.SendCallback
	}
	return fallback
}
