package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailtriage/config"
	"mailtriage/internal/cache"
	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"
)

// Client implements the embedding, triage and generation services on the
// OpenAI-compatible API. Calls go through a rate limiter and a circuit
// breaker; embeddings are cached across runs.
type Client struct {
	api        *openai.Client
	embedModel string
	chatModel  string
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	cache      cache.Cache
	cacheTTL   time.Duration
	logger     *zap.Logger
}

func NewClient(cfg config.OpenAIConfig, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	if c == nil {
		c = cache.Nop{}
	}

	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		cache:      c,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Embed returns the embedding vector for a text, consulting the shared cache
// first. Identical repeated inputs (category definitions above all) cost one
// network call per TTL window.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "emb:" + hashKey(text)
	if data, ok := c.cache.Get(ctx, key); ok {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err == nil {
			metrics.IncrementCacheRequest("embedding", "hit")
			return vec, nil
		}
	}
	metrics.IncrementCacheRequest("embedding", "miss")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vec []float32
	err := c.breaker.Execute(func() error {
		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embedModel),
		})
		if err != nil {
			return fmt.Errorf("embedding call: %w", err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("embedding call returned no data")
		}
		vec = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(vec); err == nil {
		c.cache.Set(ctx, key, data, c.cacheTTL)
	}
	return vec, nil
}

type triageReply struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const triagePrompt = `You triage inbound support email. Decide whether the message below is worth automated processing.
Respond with JSON only: {"decision": "KEEP"|"HUMAN"|"IRRELEVANT", "confidence": 0..1, "reason": "..."}.
KEEP: an answerable support request. HUMAN: sensitive, legal, angry or otherwise needs a person. IRRELEVANT: spam, bulk or off-topic.`

// Triage is the AI relevance referee on the raw envelope.
func (c *Client) Triage(ctx context.Context, env *model.Envelope) (model.Gate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Gate{}, err
	}

	var content string
	err := c.breaker.Execute(func() error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: triagePrompt},
				{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("From: %s\nSubject: %s\n\n%s", env.Sender, env.Subject, env.Body)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err != nil {
			return fmt.Errorf("triage call: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("triage call returned no choices")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return model.Gate{}, err
	}

	var reply triageReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return model.Gate{}, fmt.Errorf("triage reply not parseable: %w", err)
	}

	var decision model.Decision
	switch strings.ToUpper(reply.Decision) {
	case "KEEP":
		decision = model.DecisionKeep
	case "HUMAN":
		decision = model.DecisionHuman
	case "IRRELEVANT":
		decision = model.DecisionIrrelevant
	default:
		return model.Gate{}, fmt.Errorf("triage reply has unknown decision %q", reply.Decision)
	}

	return model.Gate{
		Pass:       decision != model.DecisionIrrelevant,
		Decision:   decision,
		Confidence: reply.Confidence,
		Reason:     reply.Reason,
	}, nil
}

type generateReply struct {
	Text       string   `json:"text"`
	Citations  []string `json:"citations"`
	Confidence float64  `json:"confidence"`
}

// Generate produces the grounded candidate reply. The selected context is
// injected with stable candidate IDs so citations can be resolved back to it.
func (c *Client) Generate(ctx context.Context, question string, cs model.ContextSet, systemPreamble string) (model.Draft, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Draft{}, err
	}

	var sb strings.Builder
	for _, cand := range cs.Candidates {
		fmt.Fprintf(&sb, "[%s] %s\n\n", cand.ID, cand.Text)
	}
	contextBlock := sb.String()
	if contextBlock == "" {
		contextBlock = "(no context available — refuse politely and report low confidence)"
	}

	system := systemPreamble + `
Answer using ONLY the context passages below. Cite passage IDs you relied on.
Respond with JSON only: {"text": "...", "citations": ["id", ...], "confidence": 0..1}.
If the context does not answer the question, say so and set confidence near 0.

Context:
` + contextBlock

	var content string
	err := c.breaker.Execute(func() error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: question},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err != nil {
			return fmt.Errorf("generation call: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("generation call returned no choices")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return model.Draft{}, err
	}

	var reply generateReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		// 无法解析时保留文本，置信度置 0，走低置信度升级路径
		if c.logger != nil {
			c.logger.Warn("Generation reply not parseable, downgrading confidence", zap.Error(err))
		}
		return model.Draft{Text: content, Confidence: 0}, nil
	}

	return model.Draft{
		Text:       reply.Text,
		Citations:  reply.Citations,
		Confidence: reply.Confidence,
	}, nil
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
