// Package retrieval implements the context-gathering pipeline contracts on
// Elasticsearch: historical questions, sample SQL pairs, and instructions.
package retrieval

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/pipeline"
)

// Config selects the cluster and the three indices.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	VerifyCerts bool
	MaxRetries  int

	ViewIndex        string
	SQLPairIndex     string
	InstructionIndex string

	TopK float64 // minimum score for a historical-question hit
}

// Retriever wraps one ES client. It implements
// pipeline.HistoricalQuestionFinder, pipeline.SQLPairRetriever and
// pipeline.InstructionRetriever.
type Retriever struct {
	client *elasticsearch.Client
	cfg    Config
}

func New(cfg Config) (*Retriever, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	if !cfg.VerifyCerts {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402 - user explicitly disabled cert verification
			},
		}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch.NewClient: %w", err)
	}
	return &Retriever{client: client, cfg: cfg}, nil
}

// TestConnection pings the cluster.
func (r *Retriever) TestConnection(ctx context.Context) error {
	res, err := r.client.Ping(r.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping error: %s", res.Status())
	}
	return nil
}

type hit struct {
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

func (r *Retriever) search(ctx context.Context, index, projectID, query string, size int) ([]hit, error) {
	body := map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"match": map[string]any{"question": query}},
				},
				"filter": []any{
					map[string]any{"term": map[string]any{"project_id": projectID}},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(index),
		r.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s", index, res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []hit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return parsed.Hits.Hits, nil
}

// Search implements pipeline.HistoricalQuestionFinder over the views index.
// Only hits above the configured score threshold count as reusable answers.
func (r *Retriever) Search(ctx context.Context, projectID, query string) ([]pipeline.HistoricalMatch, error) {
	hits, err := r.search(ctx, r.cfg.ViewIndex, projectID, query, 1)
	if err != nil {
		return nil, err
	}
	var matches []pipeline.HistoricalMatch
	for _, h := range hits {
		if h.Score < r.cfg.TopK {
			continue
		}
		var m pipeline.HistoricalMatch
		if err := json.Unmarshal(h.Source, &m); err != nil {
			log.Warn().Err(err).Msg("malformed view document")
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Retrieve implements pipeline.SQLPairRetriever.
func (r *Retriever) Retrieve(ctx context.Context, projectID, query string) ([]pipeline.SQLPair, error) {
	hits, err := r.search(ctx, r.cfg.SQLPairIndex, projectID, query, 10)
	if err != nil {
		return nil, err
	}
	var pairs []pipeline.SQLPair
	for _, h := range hits {
		var p pipeline.SQLPair
		if err := json.Unmarshal(h.Source, &p); err != nil {
			log.Warn().Err(err).Msg("malformed sql pair document")
			continue
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Instructions adapts the same client to pipeline.InstructionRetriever.
// Separate method set so the registry can hold it under its own interface.
type Instructions struct {
	*Retriever
}

func (r Instructions) Retrieve(ctx context.Context, projectID, query string) ([]pipeline.Instruction, error) {
	hits, err := r.search(ctx, r.cfg.InstructionIndex, projectID, query, 10)
	if err != nil {
		return nil, err
	}
	var instructions []pipeline.Instruction
	for _, h := range hits {
		var in pipeline.Instruction
		if err := json.Unmarshal(h.Source, &in); err != nil {
			log.Warn().Err(err).Msg("malformed instruction document")
			continue
		}
		instructions = append(instructions, in)
	}
	return instructions, nil
}
