package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mailtriage/internal/model"
)

// Client fetches knowledge-corpus candidates from the retrieval service.
type Client struct {
	baseURL    string
	corpus     string
	httpClient *http.Client
}

func NewClient(baseURL, corpus string) *Client {
	return &Client{
		baseURL: baseURL,
		corpus:  corpus,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type retrieveRequest struct {
	Query     string `json:"query"`
	CorpusRef string `json:"corpus_ref"`
	TopK      int    `json:"top_k"`
}

type retrieveCandidate struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
	SourceRef string  `json:"source_ref"`
}

type retrieveResponse struct {
	Candidates []retrieveCandidate `json:"candidates"`
}

// Retrieve returns candidates ordered by relevance, most relevant first.
// A non-empty partition narrows the lookup to a category shard of the corpus.
func (c *Client) Retrieve(ctx context.Context, query, partition string, topK int) ([]model.Candidate, error) {
	ref := c.corpus
	if partition != "" {
		ref = c.corpus + "/" + partition
	}
	body, err := json.Marshal(retrieveRequest{Query: query, CorpusRef: ref, TopK: topK})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call retrieval service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("retrieval service 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service error: %d", resp.StatusCode)
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	candidates := make([]model.Candidate, len(out.Candidates))
	for i, rc := range out.Candidates {
		candidates[i] = model.Candidate{
			ID:        rc.ID,
			Text:      rc.Text,
			RawScore:  rc.Score,
			SourceRef: rc.SourceRef,
		}
	}
	return candidates, nil
}
