package mdl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/querypilot/querypilot/internal/pipeline"
)

// Retriever implements pipeline.SchemaRetriever by keyword-scoring the MDL's
// models against the question and rendering the winners as DDL.
type Retriever struct {
	store     Store
	maxTables int
}

func NewRetriever(store Store, maxTables int) *Retriever {
	if maxTables <= 0 {
		maxTables = 10
	}
	return &Retriever{store: store, maxTables: maxTables}
}

func (r *Retriever) Retrieve(ctx context.Context, in pipeline.SchemaInput) (pipeline.SchemaRetrieval, error) {
	doc, err := r.store.Get(ctx, in.MDLHash)
	if err != nil {
		return pipeline.SchemaRetrieval{}, fmt.Errorf("load mdl: %w", err)
	}

	terms := queryTerms(in.Query, in.Histories)

	type scored struct {
		model Model
		score int
	}
	var candidates []scored
	for _, m := range doc.Models {
		if s := scoreModel(m, terms); s > 0 {
			candidates = append(candidates, scored{model: m, score: s})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > r.maxTables {
		candidates = candidates[:r.maxTables]
	}

	var out pipeline.SchemaRetrieval
	for _, c := range candidates {
		out.RetrievedTables = append(out.RetrievedTables, c.model.Name)
		out.TableDDLs = append(out.TableDDLs, c.model.DDL())
		if c.model.HasCalculatedField() {
			out.HasCalculatedField = true
		}
	}
	if len(out.RetrievedTables) > 0 {
		for _, metric := range doc.Metrics {
			for _, t := range out.RetrievedTables {
				if metric.BaseModel == t {
					out.HasMetric = true
				}
			}
		}
	}
	return out, nil
}

// queryTerms tokenizes the working query plus prior questions into
// lowercase match terms.
func queryTerms(query string, histories []pipeline.History) map[string]bool {
	terms := make(map[string]bool)
	add := func(text string) {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
		}) {
			if len(w) >= 3 {
				terms[w] = true
				// Naive singular form so "orders" matches model "order".
				terms[strings.TrimSuffix(w, "s")] = true
			}
		}
	}
	add(query)
	for _, h := range histories {
		add(h.Question)
	}
	return terms
}

func scoreModel(m Model, terms map[string]bool) int {
	score := 0
	name := strings.ToLower(m.Name)
	if terms[name] || terms[strings.TrimSuffix(name, "s")] {
		score += 10
	}
	for _, c := range m.Columns {
		if terms[strings.ToLower(c.Name)] {
			score += 2
		}
	}
	if desc := strings.ToLower(m.Properties["description"]); desc != "" {
		for t := range terms {
			if strings.Contains(desc, t) {
				score++
			}
		}
	}
	return score
}
