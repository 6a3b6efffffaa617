// Package rerank scores (query, candidate) pairs with a cross-encoder model
// served over HTTP.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Candidate is one text to score against the query.
type Candidate struct {
	ID   uuid.UUID
	Text string
}

// Scored is a candidate with its relevance score.
type Scored struct {
	ID    uuid.UUID
	Score float64
}

// Reranker orders candidates by relevance to a query. Results are sorted by
// score descending; candidates with equal scores keep their input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error)
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

type httpReranker struct {
	url    string
	model  string
	client *http.Client
	gate   chan struct{}
}

// NewHTTPReranker constructs a Reranker backed by a llama.cpp-server style
// /v1/rerank endpoint. The model instance is shared, so calls are serialized.
func NewHTTPReranker(url, model string, timeout time.Duration) Reranker {
	return &httpReranker{
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: timeout,
		},
		gate: make(chan struct{}, 1),
	}
}

func (r *httpReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	select {
	case r.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.gate }()

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Text
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		TopN:      len(candidates),
		Documents: documents,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make(map[int]float64, len(parsed.Results))
	for _, result := range parsed.Results {
		if result.Index >= 0 && result.Index < len(candidates) {
			scores[result.Index] = result.RelevanceScore
		}
	}

	return SortByScore(candidates, func(i int) float64 { return scores[i] }), nil
}

// SortByScore builds the scored result list for candidates with a per-index
// score lookup, sorted descending with input order preserved on ties.
func SortByScore(candidates []Candidate, score func(i int) float64) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{ID: c.ID, Score: score(i)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}
