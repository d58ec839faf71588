package contextsel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailtriage/internal/model"
)

// ErrBudgetExceeded reports that not even one candidate fit the token budget.
// The orchestrator proceeds to generation with an empty context; the
// generation service is expected to produce a low-confidence refusal.
var ErrBudgetExceeded = errors.New("token budget cannot fit any candidate")

// Tokenizer counts tokens for a batch of texts in one round-trip. Counting is
// an expensive external call, so the selector always batches.
type Tokenizer interface {
	CountTokens(ctx context.Context, texts []string) ([]int, error)
}

// Selector picks a diverse, budget-fitting subset of ranked candidates.
type Selector struct {
	tokenizer Tokenizer
	logger    *zap.Logger
}

func NewSelector(tokenizer Tokenizer, logger *zap.Logger) *Selector {
	return &Selector{tokenizer: tokenizer, logger: logger}
}

// Select walks the pre-ranked candidates greedily. Token counts for the whole
// batch are fetched up front (one tokenizer call, O(n) counted texts). A
// candidate is either included whole or excluded; text is never split.
//
// The walk runs in two passes. Diversity is resolved first over the full
// ranked list, each candidate checked against the higher-ranked survivors, so
// redundancy rejections never depend on what the budget admitted. The budget
// walk then runs over the survivors and stops at the first candidate that
// does not fit, so the selection is always a prefix of the survivor list and
// can only grow as the budget grows.
//
// Diversity rejections skip the candidate without setting Truncated; only a
// budget rejection sets it.
func (s *Selector) Select(ctx context.Context, candidates []model.Candidate, budget int, diversityCeiling float64) (model.ContextSet, error) {
	if len(candidates) == 0 {
		return model.ContextSet{Candidates: []model.Candidate{}}, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	counts, err := s.tokenizer.CountTokens(ctx, texts)
	if err != nil {
		return model.ContextSet{}, fmt.Errorf("count tokens: %w", err)
	}
	if len(counts) != len(candidates) {
		return model.ContextSet{}, fmt.Errorf("tokenizer returned %d counts for %d texts", len(counts), len(candidates))
	}

	survivors := make([]int, 0, len(candidates))
	survivorWords := make([]map[string]struct{}, 0, len(candidates))
	for i, c := range candidates {
		words := wordSet(c.Text)
		if redundancy(words, survivorWords) > diversityCeiling {
			// 冗余淘汰：跳过但不设置 truncated
			if s.logger != nil {
				s.logger.Debug("Candidate rejected for redundancy",
					zap.String("candidate_id", c.ID),
				)
			}
			continue
		}
		survivors = append(survivors, i)
		survivorWords = append(survivorWords, words)
	}

	selected := make([]model.Candidate, 0, len(survivors))
	total := 0
	truncated := false

	for _, i := range survivors {
		if total+counts[i] > budget {
			// 预算耗尽即停止：选集始终是幸存列表的前缀
			truncated = true
			break
		}
		selected = append(selected, candidates[i])
		total += counts[i]
	}

	if len(selected) == 0 && truncated {
		return model.ContextSet{Candidates: []model.Candidate{}, Truncated: true}, ErrBudgetExceeded
	}

	return model.ContextSet{
		Candidates:  selected,
		TotalTokens: total,
		Truncated:   truncated,
	}, nil
}

// redundancy is the maximum Jaccard word overlap between the candidate and
// any already-selected item. A lexical proxy is enough here; it keeps the
// diversity pass free of further external calls.
func redundancy(words map[string]struct{}, selected []map[string]struct{}) float64 {
	var max float64
	for _, sel := range selected {
		if j := jaccard(words, sel); j > max {
			max = j
		}
	}
	return max
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,!?;:\"'()[]")] = struct{}{}
	}
	return set
}
