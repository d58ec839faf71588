package category

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder maps every known text to a 2D unit vector whose cosine against
// the query vector (1, 0) equals the configured similarity.
type fakeEmbedder struct {
	sims map[string]float64
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "query" {
		return []float32{1, 0}, nil
	}
	s, ok := f.sims[text]
	if !ok {
		return nil, errors.New("unknown text: " + text)
	}
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}, nil
}

type fakeReranker struct {
	scores []float64
	calls  int
	got    []string
	err    error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	f.calls++
	f.got = candidates
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func defs(names ...string) []Definition {
	out := make([]Definition, len(names))
	for i, n := range names {
		out[i] = Definition{Name: n, Description: "about " + n}
	}
	return out
}

func embedderFor(sims map[string]float64) *fakeEmbedder {
	keyed := make(map[string]float64, len(sims))
	for name, s := range sims {
		keyed[name+": about "+name] = s
	}
	return &fakeEmbedder{sims: keyed}
}

func TestCategorizeRefereePicksRerankWinner(t *testing.T) {
	emb := embedderFor(map[string]float64{"billing": 0.9, "shipping": 0.3, "legal": 0.1})
	rr := &fakeReranker{scores: []float64{0.95, 0.2, 0.05}}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("billing", "shipping", "legal"))
	require.NoError(t, err)

	assert.Equal(t, "billing", res.Category)
	// 0.4*0.9 + 0.6*(0.95/1.2)
	assert.InDelta(t, 0.835, res.Confidence, 1e-3)
	assert.Greater(t, res.Confidence, 0.70)
	assert.Equal(t, 1, rr.calls)
}

func TestCategorizeRerankDistributionSumsToAtMostOne(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.8, "b": 0.6, "c": 0.4})
	rr := &fakeReranker{scores: []float64{3, 2, 1}}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("a", "b", "c"))
	require.NoError(t, err)

	var sum float64
	for _, item := range res.Shortlist {
		assert.GreaterOrEqual(t, item.RerankProb, 0.0)
		sum += item.RerankProb
	}
	assert.LessOrEqual(t, sum, 1.0+1e-9)
	assert.InDelta(t, 0.5, res.Shortlist[0].RerankProb, 1e-9)
}

func TestCategorizeNegativeRerankScoresClamped(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.8, "b": 0.6})
	rr := &fakeReranker{scores: []float64{-5, 2}}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, "b", res.Category)
	assert.Equal(t, 0.0, res.Shortlist[0].RerankProb)
	assert.Equal(t, 1.0, res.Shortlist[1].RerankProb)
}

func TestCategorizeTieFallsToShortlistOrder(t *testing.T) {
	emb := embedderFor(map[string]float64{"high": 0.9, "low": 0.5})
	rr := &fakeReranker{scores: []float64{1, 1}}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("low", "high"))
	require.NoError(t, err)

	// 并列时落回 shortlist 顺序，也就是相似度更高的那个
	assert.Equal(t, "high", res.Category)
}

func TestCategorizeBelowFloorIsNoMatch(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.05, "b": 0.02})
	rr := &fakeReranker{}
	chain := NewChain(emb, rr, Config{}, nil)

	_, err := chain.Categorize(context.Background(), "query", defs("a", "b"))
	require.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, 0, rr.calls)
}

func TestCategorizeTailBelowFloorSkipsRerank(t *testing.T) {
	emb := embedderFor(map[string]float64{"good": 0.8, "ok": 0.4, "bad": 0.05})
	rr := &fakeReranker{scores: []float64{0.7, 0.3}}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("good", "ok", "bad"))
	require.NoError(t, err)

	assert.Equal(t, []string{"good", "ok"}, rr.got)
	assert.Len(t, res.Shortlist, 2)
}

func TestCategorizeShortlistCapsAtN(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6, "e": 0.5})
	rr := &fakeReranker{scores: []float64{1, 0, 0}}
	chain := NewChain(emb, rr, Config{ShortlistSize: 3}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("a", "b", "c", "d", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Shortlist, 3)
	assert.Equal(t, []string{"a", "b", "c"}, rr.got)
}

func TestCategorizeSkipsRerankWhenTopSimilarityHigh(t *testing.T) {
	emb := embedderFor(map[string]float64{"sure": 0.97, "other": 0.4})
	rr := &fakeReranker{}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("sure", "other"))
	require.NoError(t, err)

	assert.Equal(t, 0, rr.calls)
	assert.Equal(t, "sure", res.Category)
	// rerank 被跳过时 RerankProb 回落为相似度
	assert.InDelta(t, res.Shortlist[0].Similarity, res.Shortlist[0].RerankProb, 1e-6)
}

func TestCategorizeSingleCandidateSkipsRerank(t *testing.T) {
	emb := embedderFor(map[string]float64{"only": 0.6})
	rr := &fakeReranker{}
	chain := NewChain(emb, rr, Config{}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("only"))
	require.NoError(t, err)

	assert.Equal(t, 0, rr.calls)
	assert.Equal(t, "only", res.Category)
}

func TestCategorizeConfidenceStaysInRange(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.99, "b": 0.98})
	rr := &fakeReranker{scores: []float64{100, 0}}
	chain := NewChain(emb, rr, Config{SimilarityWeight: 0.9, RerankWeight: 0.9, SkipRerankAbove: 1.1}, nil)

	res, err := chain.Categorize(context.Background(), "query", defs("a", "b"))
	require.NoError(t, err)

	assert.LessOrEqual(t, res.Confidence, 1.0)
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
}

func TestCategorizeRerankLengthMismatch(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.8, "b": 0.6})
	rr := &fakeReranker{scores: []float64{0.5}}
	chain := NewChain(emb, rr, Config{}, nil)

	_, err := chain.Categorize(context.Background(), "query", defs("a", "b"))
	require.Error(t, err)
}

func TestCategorizeRerankError(t *testing.T) {
	emb := embedderFor(map[string]float64{"a": 0.8, "b": 0.6})
	rr := &fakeReranker{err: errors.New("rerank down")}
	chain := NewChain(emb, rr, Config{}, nil)

	_, err := chain.Categorize(context.Background(), "query", defs("a", "b"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
}

func TestCategorizeNoDefinitions(t *testing.T) {
	chain := NewChain(&fakeEmbedder{}, &fakeReranker{}, Config{}, nil)

	_, err := chain.Categorize(context.Background(), "query", nil)
	require.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosine(nil, nil))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
}
