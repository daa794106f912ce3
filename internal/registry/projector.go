package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brewline/control-plane/internal/embeddings"
	"github.com/brewline/control-plane/internal/vectorstore"
	"github.com/brewline/control-plane/pkg/models"
)

// VectorProjector projects a ConfigSnapshot into the Vector Store: one
// document per active branch/product/FAQ/canned response, each tagged
// source="config_hub" with a per-category TTL.
type VectorProjector struct {
	store vectorstore.Driver
	embed *embeddings.Service
	ttl   map[models.VectorCategory]time.Duration
}

func NewVectorProjector(store vectorstore.Driver, embed *embeddings.Service) *VectorProjector {
	return &VectorProjector{
		store: store,
		embed: embed,
		ttl: map[models.VectorCategory]time.Duration{
			models.CategoryBranch:  30 * 24 * time.Hour,
			models.CategoryProduct: 24 * time.Hour,
			models.CategoryFAQ:     7 * 24 * time.Hour,
			models.CategoryCanned:  7 * 24 * time.Hour,
		},
	}
}

func (p *VectorProjector) InvalidateBySource(ctx context.Context, source string) error {
	return p.store.InvalidateBySource(ctx, source)
}

func (p *VectorProjector) ProjectSnapshot(ctx context.Context, snapshot *models.ConfigSnapshot) error {
	var texts []string
	var docs []models.VectorEmbedding

	for _, b := range snapshot.Branches {
		text := fmt.Sprintf("%s | %s | %s | %s | %s | %s | %s",
			b.Name, b.ShortName, b.Address, b.City, b.ID, b.Hours, strings.Join(b.Synonyms, ", "))
		texts = append(texts, text)
		docs = append(docs, p.newDoc(models.CategoryBranch, b.ID, text))
	}
	for _, pr := range snapshot.Products {
		text := fmt.Sprintf("%s | %s | %.2f | %s | %s",
			pr.Name, pr.Description, pr.Price, strings.Join(pr.Tags, ", "), strings.Join(pr.FuzzyKeywords, ", "))
		texts = append(texts, text)
		docs = append(docs, p.newDoc(models.CategoryProduct, pr.ID, text))
	}
	for _, f := range snapshot.FAQs {
		text := fmt.Sprintf("%s | %s", f.Question, f.Answer)
		texts = append(texts, text)
		docs = append(docs, p.newDoc(models.CategoryFAQ, f.ID, text))
	}
	for _, c := range snapshot.Canned {
		text := fmt.Sprintf("%s | %s", c.Trigger, c.Response)
		texts = append(texts, text)
		docs = append(docs, p.newDoc(models.CategoryCanned, c.ID, text))
	}

	if len(docs) == 0 {
		return nil
	}

	vectors := p.embed.EmbedBatch(ctx, texts)
	for i := range docs {
		docs[i].ContentText = texts[i]
		docs[i].ContentHash = vectorstore.ContentHash(texts[i])
		docs[i].Embedding = vectors[i]
		if docs[i].Embedding == nil {
			log.Warn().Str("source", docs[i].Source).Msg("config snapshot projection: embedding unavailable, skipping row")
		}
	}

	return p.store.UpsertBatch(ctx, docs)
}

func (p *VectorProjector) newDoc(cat models.VectorCategory, entityID, text string) models.VectorEmbedding {
	now := time.Now()
	doc := models.VectorEmbedding{
		ID:        uuid.NewString(),
		Category:  cat,
		Source:    "config_hub",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl, ok := p.ttl[cat]; ok {
		expires := now.Add(ttl)
		doc.ExpiresAt = &expires
	}
	doc.Metadata = map[string]interface{}{"entity_id": entityID}
	return doc
}
