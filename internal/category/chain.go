package category

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// ErrNoMatch reports that every category fell below the similarity floor.
// The orchestrator maps it to an IRRELEVANT routing decision.
var ErrNoMatch = errors.New("no category above similarity floor")

// Definition is one category the chain can assign.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// ShortlistItem carries the scores a shortlist entry accumulated on its way
// through the chain.
type ShortlistItem struct {
	Category   string  `json:"category"`
	Similarity float64 `json:"similarity"`
	RerankProb float64 `json:"rerank_prob"`
}

// Result is the chain's final decision.
type Result struct {
	Category   string          `json:"category"`
	Confidence float64         `json:"confidence"`
	Shortlist  []ShortlistItem `json:"shortlist"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores candidates against a query. Scores are returned aligned
// with the candidate order passed in.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

type Config struct {
	ShortlistSize    int
	SimilarityFloor  float64
	SimilarityWeight float64
	RerankWeight     float64

	// Above this shortlist-top similarity the rerank pass is skipped.
	SkipRerankAbove float64
}

// Chain is the three-step categorization refinement: cheap embedding
// shortlist, expensive rerank, referee combination.
type Chain struct {
	embedder Embedder
	reranker Reranker
	cfg      Config
	logger   *zap.Logger
}

func NewChain(embedder Embedder, reranker Reranker, cfg Config, logger *zap.Logger) *Chain {
	if cfg.ShortlistSize <= 0 {
		cfg.ShortlistSize = 3
	}
	if cfg.SimilarityFloor <= 0 {
		cfg.SimilarityFloor = 0.1
	}
	if cfg.SimilarityWeight == 0 && cfg.RerankWeight == 0 {
		cfg.SimilarityWeight = 0.4
		cfg.RerankWeight = 0.6
	}
	if cfg.SkipRerankAbove == 0 {
		cfg.SkipRerankAbove = 0.95
	}
	return &Chain{
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Categorize runs shortlist → rerank → referee. The rerank step is skipped
// when the shortlist is already fully confident.
func (c *Chain) Categorize(ctx context.Context, text string, defs []Definition) (*Result, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no category definitions provided")
	}

	shortlist, err := c.shortlist(ctx, text, defs)
	if err != nil {
		return nil, err
	}
	if len(shortlist) == 0 {
		return nil, ErrNoMatch
	}

	// 短路：相似度已经足够高，跳过昂贵的 rerank
	if len(shortlist) == 1 || shortlist[0].Similarity >= c.cfg.SkipRerankAbove {
		for i := range shortlist {
			shortlist[i].RerankProb = shortlist[i].Similarity
		}
		return c.referee(shortlist), nil
	}

	if err := c.rerank(ctx, text, shortlist); err != nil {
		return nil, err
	}

	return c.referee(shortlist), nil
}

// shortlist embeds the message and every definition, ranks by cosine
// similarity and keeps the top N above the floor.
func (c *Chain) shortlist(ctx context.Context, text string, defs []Definition) ([]ShortlistItem, error) {
	qv, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	items := make([]ShortlistItem, 0, len(defs))
	for _, d := range defs {
		dv, err := c.embedder.Embed(ctx, d.Name+": "+d.Description)
		if err != nil {
			return nil, fmt.Errorf("embed category %q: %w", d.Name, err)
		}
		items = append(items, ShortlistItem{
			Category:   d.Name,
			Similarity: cosine(qv, dv),
		})
	}

	// 稳定排序：相似度相同保持定义顺序
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Similarity > items[j].Similarity
	})

	if items[0].Similarity < c.cfg.SimilarityFloor {
		return nil, ErrNoMatch
	}

	n := c.cfg.ShortlistSize
	if n > len(items) {
		n = len(items)
	}
	items = items[:n]

	// 低于下限的尾部成员不进入 rerank
	cut := len(items)
	for cut > 0 && items[cut-1].Similarity < c.cfg.SimilarityFloor {
		cut--
	}
	return items[:cut], nil
}

// rerank asks the reranking service for scores and normalizes them into a
// distribution over the shortlist (sums to at most 1).
func (c *Chain) rerank(ctx context.Context, text string, shortlist []ShortlistItem) error {
	candidates := make([]string, len(shortlist))
	for i, s := range shortlist {
		candidates[i] = s.Category
	}

	scores, err := c.reranker.Rerank(ctx, text, candidates)
	if err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(shortlist) {
		return fmt.Errorf("rerank returned %d scores for %d candidates", len(scores), len(shortlist))
	}

	var sum float64
	for _, s := range scores {
		if s < 0 {
			s = 0
		}
		sum += s
	}
	for i, s := range scores {
		if s < 0 {
			s = 0
		}
		if sum > 0 {
			shortlist[i].RerankProb = s / sum
		} else {
			shortlist[i].RerankProb = 0
		}
	}
	return nil
}

// referee picks the shortlist member with the highest rerank probability
// (ties fall back to shortlist order, i.e. higher similarity) and combines
// both signals into a calibrated confidence.
func (c *Chain) referee(shortlist []ShortlistItem) *Result {
	best := 0
	for i := 1; i < len(shortlist); i++ {
		if shortlist[i].RerankProb > shortlist[best].RerankProb {
			best = i
		}
	}

	winner := shortlist[best]
	confidence := c.cfg.SimilarityWeight*winner.Similarity + c.cfg.RerankWeight*winner.RerankProb
	confidence = clamp01(confidence)

	if c.logger != nil {
		c.logger.Debug("Referee decision",
			zap.String("category", winner.Category),
			zap.Float64("similarity", winner.Similarity),
			zap.Float64("rerank_prob", winner.RerankProb),
			zap.Float64("confidence", confidence),
		)
	}

	return &Result{
		Category:   winner.Category,
		Confidence: confidence,
		Shortlist:  shortlist,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
