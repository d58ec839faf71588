package model

// Candidate is a retrieval result. RawScore is set by the retrieval service
// and never mutated; ranking steps attach RerankScore instead.
type Candidate struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	RawScore    float64 `json:"raw_score"`
	SourceRef   string  `json:"source_ref"`
	RerankScore float64 `json:"rerank_score,omitempty"`
}

// ContextSet is the budgeted selector's output. TotalTokens never exceeds the
// configured budget; candidates appear whole or not at all.
type ContextSet struct {
	Candidates  []Candidate `json:"candidates"`
	TotalTokens int         `json:"total_tokens"`
	Truncated   bool        `json:"truncated"`
}

// Draft is the generation service's candidate reply. Citations reference
// Candidate IDs from the ContextSet.
type Draft struct {
	Text       string   `json:"text"`
	Citations  []string `json:"citations"`
	Confidence float64  `json:"confidence"`
}
