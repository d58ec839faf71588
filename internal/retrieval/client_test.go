package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/retrieve", r.URL.Path)
		var req retrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "how do I reset", req.Query)
		assert.Equal(t, "support-kb/billing", req.CorpusRef)
		assert.Equal(t, 5, req.TopK)
		json.NewEncoder(w).Encode(retrieveResponse{Candidates: []retrieveCandidate{
			{ID: "d1", Text: "reset from settings", Score: 0.9, SourceRef: "kb/42"},
			{ID: "d2", Text: "contact support", Score: 0.4, SourceRef: "kb/7"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "support-kb")
	got, err := c.Retrieve(context.Background(), "how do I reset", "billing", 5)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].ID)
	assert.Equal(t, 0.9, got[0].RawScore)
	assert.Equal(t, "kb/42", got[0].SourceRef)
}

func TestRetrieveNoPartitionUsesBaseCorpus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req retrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "support-kb", req.CorpusRef)
		json.NewEncoder(w).Encode(retrieveResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "support-kb")
	got, err := c.Retrieve(context.Background(), "q", "", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "support-kb")
	_, err := c.Retrieve(context.Background(), "q", "billing", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5xx")
}
