package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mailtriage/internal/cache"
	"mailtriage/pkg/metrics"
)

// ScoringClient talks to the reranking and tokenizer services over HTTP.
// Token counts are cached per text so repeated candidates across runs cost
// nothing.
type ScoringClient struct {
	rerankURL    string
	tokenizerURL string
	httpClient   *http.Client
	cache        cache.Cache
	cacheTTL     time.Duration
}

func NewScoringClient(rerankURL, tokenizerURL string, c cache.Cache, cacheTTL time.Duration) *ScoringClient {
	if c == nil {
		c = cache.Nop{}
	}
	return &ScoringClient{
		rerankURL:    rerankURL,
		tokenizerURL: tokenizerURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second, // 上层还会套每次调用的 context 超时
		},
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

type rerankRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores candidates against the query. Scores come back aligned with
// the candidate order sent.
func (c *ScoringClient) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	var resp rerankResponse
	err := c.postJSON(ctx, c.rerankURL+"/rerank", rerankRequest{Query: query, Candidates: candidates}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Scores) != len(candidates) {
		return nil, fmt.Errorf("rerank service returned %d scores for %d candidates", len(resp.Scores), len(candidates))
	}
	return resp.Scores, nil
}

type countTokensRequest struct {
	Texts []string `json:"texts"`
}

type countTokensResponse struct {
	Counts []int `json:"counts"`
}

// CountTokens counts tokens for a batch of texts in one round-trip. Cached
// texts are skipped; only the misses travel.
func (c *ScoringClient) CountTokens(ctx context.Context, texts []string) ([]int, error) {
	counts := make([]int, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, t := range texts {
		key := "tok:" + hashKey(t)
		if data, ok := c.cache.Get(ctx, key); ok {
			if n, err := strconv.Atoi(string(data)); err == nil {
				metrics.IncrementCacheRequest("tokens", "hit")
				counts[i] = n
				continue
			}
		}
		metrics.IncrementCacheRequest("tokens", "miss")
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return counts, nil
	}

	var resp countTokensResponse
	if err := c.postJSON(ctx, c.tokenizerURL+"/count_tokens", countTokensRequest{Texts: missTexts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Counts) != len(missTexts) {
		return nil, fmt.Errorf("tokenizer service returned %d counts for %d texts", len(resp.Counts), len(missTexts))
	}

	for j, i := range missIdx {
		counts[i] = resp.Counts[j]
		c.cache.Set(ctx, "tok:"+hashKey(texts[i]), []byte(strconv.Itoa(resp.Counts[j])), c.cacheTTL)
	}
	return counts, nil
}

func (c *ScoringClient) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call scoring service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// 可重试错误
		return fmt.Errorf("scoring service 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scoring service error: %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
