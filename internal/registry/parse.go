package registry

import (
	"context"
	"strconv"
	"strings"

	"github.com/brewline/control-plane/pkg/models"
)

// splitList parses a comma-separated sheet cell into a trimmed,
// blank-filtered list (synonyms, fuzzy keywords, tags).
func splitList(cell string) []string {
	if cell == "" {
		return nil
	}
	parts := strings.Split(cell, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Each fetch* method reads one named tab and maps its rows (after a
// header row) into typed structs. Column order follows the header tab
// layout from §4.G; a short or malformed row is skipped rather than
// failing the whole refresh.

func row(r []string, i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return r[i]
}

// branches columns: id, name, short_name, address, city, hours, synonyms
func (r *Registry) fetchBranches(ctx context.Context) ([]models.Branch, error) {
	rows, err := r.sheets.FetchTab(ctx, "branches")
	if err != nil {
		return nil, err
	}
	var out []models.Branch
	for i, rec := range rows {
		if i == 0 || len(rec) < 2 {
			continue
		}
		out = append(out, models.Branch{
			ID:        row(rec, 0),
			Name:      row(rec, 1),
			ShortName: row(rec, 2),
			Address:   row(rec, 3),
			City:      row(rec, 4),
			Hours:     row(rec, 5),
			Synonyms:  splitList(row(rec, 6)),
		})
	}
	return out, nil
}

// products columns: id, name, description, price, tags, fuzzy_keywords
func (r *Registry) fetchProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := r.sheets.FetchTab(ctx, "products")
	if err != nil {
		return nil, err
	}
	var out []models.Product
	for i, rec := range rows {
		if i == 0 || len(rec) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(row(rec, 3), 64)
		out = append(out, models.Product{
			ID:            row(rec, 0),
			Name:          row(rec, 1),
			Description:   row(rec, 2),
			Price:         price,
			Tags:          splitList(row(rec, 4)),
			FuzzyKeywords: splitList(row(rec, 5)),
		})
	}
	return out, nil
}

func (r *Registry) fetchFAQs(ctx context.Context) ([]models.FAQ, error) {
	rows, err := r.sheets.FetchTab(ctx, "faqs")
	if err != nil {
		return nil, err
	}
	var out []models.FAQ
	for i, rec := range rows {
		if i == 0 || len(rec) < 2 {
			continue
		}
		out = append(out, models.FAQ{ID: row(rec, 0), Question: row(rec, 1), Answer: row(rec, 2)})
	}
	return out, nil
}

func (r *Registry) fetchCanned(ctx context.Context) ([]models.CannedResponse, error) {
	rows, err := r.sheets.FetchTab(ctx, "canned")
	if err != nil {
		return nil, err
	}
	var out []models.CannedResponse
	for i, rec := range rows {
		if i == 0 || len(rec) < 2 {
			continue
		}
		out = append(out, models.CannedResponse{
			ID:       row(rec, 0),
			Trigger:  row(rec, 1),
			Response: row(rec, 2),
			Category: row(rec, 3),
		})
	}
	return out, nil
}

func (r *Registry) fetchSeasonRules(ctx context.Context) ([]models.SeasonRule, error) {
	rows, err := r.sheets.FetchTab(ctx, "season_rules")
	if err != nil {
		return nil, err
	}
	var out []models.SeasonRule
	for i, rec := range rows {
		if i == 0 || len(rec) < 2 {
			continue
		}
		if ValidateExpression(row(rec, 1)) != nil {
			continue
		}
		out = append(out, models.SeasonRule{ID: row(rec, 0), Expression: row(rec, 1), Effect: row(rec, 2)})
	}
	return out, nil
}

func (r *Registry) fetchModelRouting(ctx context.Context) ([]models.ModelRoutingRule, error) {
	rows, err := r.sheets.FetchTab(ctx, "model_routing")
	if err != nil {
		return nil, err
	}
	var out []models.ModelRoutingRule
	for i, rec := range rows {
		if i == 0 || len(rec) < 3 {
			continue
		}
		out = append(out, models.ModelRoutingRule{Task: row(rec, 0), Provider: row(rec, 1), Model: row(rec, 2)})
	}
	return out, nil
}
