package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/cache"
)

func TestRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "which plan am I on", req.Query)
		assert.Equal(t, []string{"billing", "shipping"}, req.Candidates)
		json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.8, 0.2}})
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, srv.URL, nil, time.Minute)
	scores, err := c.Rerank(context.Background(), "which plan am I on", []string{"billing", "shipping"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.8, 0.2}, scores)
}

func TestRerankLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.8}})
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, srv.URL, nil, time.Minute)
	_, err := c.Rerank(context.Background(), "q", []string{"a", "b"})
	require.Error(t, err)
}

func TestRerank5xxIsMarkedRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, srv.URL, nil, time.Minute)
	_, err := c.Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoring service 5xx")
}

func TestCountTokensBatchesOnlyMisses(t *testing.T) {
	var requests []countTokensRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/count_tokens", r.URL.Path)
		var req countTokensRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		counts := make([]int, len(req.Texts))
		for i, text := range req.Texts {
			counts[i] = len(text)
		}
		json.NewEncoder(w).Encode(countTokensResponse{Counts: counts})
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, srv.URL, cache.NewMemoryCache(), time.Minute)
	ctx := context.Background()

	counts, err := c.CountTokens(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, counts)
	require.Len(t, requests, 1)

	// 第二次调用:alpha/beta 命中缓存,只有新文本出网
	counts, err = c.CountTokens(ctx, []string{"alpha", "gamma", "beta"})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5, 4}, counts)
	require.Len(t, requests, 2)
	assert.Equal(t, []string{"gamma"}, requests[1].Texts)

	// 全部命中:不再出网
	_, err = c.CountTokens(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

func TestCountTokensCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(countTokensResponse{Counts: []int{1}})
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, srv.URL, nil, time.Minute)
	_, err := c.CountTokens(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}
