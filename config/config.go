package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// PipelineConfig carries every tunable of the processing core. Nothing in the
// pipeline packages hardcodes a threshold; they all arrive from here.
type PipelineConfig struct {
	KeepThreshold         float64 `yaml:"keep_threshold"`
	TriageBand            float64 `yaml:"triage_band"`
	ShortCircuitThreshold float64 `yaml:"short_circuit_threshold"`
	CategoryThreshold     float64 `yaml:"category_threshold"`
	AutomationThreshold   float64 `yaml:"automation_threshold"`

	TokenBudget      int     `yaml:"token_budget"`
	DiversityCeiling float64 `yaml:"diversity_ceiling"`
	ShortlistSize    int     `yaml:"shortlist_size"`
	SimilarityFloor  float64 `yaml:"similarity_floor"`
	SkipRerankAbove  float64 `yaml:"skip_rerank_above"`
	RetrievalTopK    int     `yaml:"retrieval_top_k"`

	// Referee confidence = similarity_weight*sim + rerank_weight*prob, clamped.
	RefereeSimilarityWeight float64 `yaml:"referee_similarity_weight"`
	RefereeRerankWeight     float64 `yaml:"referee_rerank_weight"`

	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseBackoff  time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff   time.Duration `yaml:"retry_max_backoff"`
	ScoringTimeout    time.Duration `yaml:"scoring_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	WorkerConcurrency int           `yaml:"worker_concurrency"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	DedupeTTL         time.Duration `yaml:"dedupe_ttl"`

	RulesPath      string `yaml:"rules_path"`
	CategoriesPath string `yaml:"categories_path"`

	SystemPreamble string `yaml:"system_preamble"`
}

// UnmarshalYAML parses duration knobs from strings like "200ms" or "5s",
// which the yaml package does not do for time.Duration on its own.
func (p *PipelineConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		KeepThreshold         float64 `yaml:"keep_threshold"`
		TriageBand            float64 `yaml:"triage_band"`
		ShortCircuitThreshold float64 `yaml:"short_circuit_threshold"`
		CategoryThreshold     float64 `yaml:"category_threshold"`
		AutomationThreshold   float64 `yaml:"automation_threshold"`

		TokenBudget      int     `yaml:"token_budget"`
		DiversityCeiling float64 `yaml:"diversity_ceiling"`
		ShortlistSize    int     `yaml:"shortlist_size"`
		SimilarityFloor  float64 `yaml:"similarity_floor"`
		SkipRerankAbove  float64 `yaml:"skip_rerank_above"`
		RetrievalTopK    int     `yaml:"retrieval_top_k"`

		RefereeSimilarityWeight float64 `yaml:"referee_similarity_weight"`
		RefereeRerankWeight     float64 `yaml:"referee_rerank_weight"`

		MaxRetries        int    `yaml:"max_retries"`
		RetryBaseBackoff  string `yaml:"retry_base_backoff"`
		RetryMaxBackoff   string `yaml:"retry_max_backoff"`
		ScoringTimeout    string `yaml:"scoring_timeout"`
		GenerationTimeout string `yaml:"generation_timeout"`

		WorkerConcurrency int    `yaml:"worker_concurrency"`
		CacheTTL          string `yaml:"cache_ttl"`
		DedupeTTL         string `yaml:"dedupe_ttl"`

		RulesPath      string `yaml:"rules_path"`
		CategoriesPath string `yaml:"categories_path"`
		SystemPreamble string `yaml:"system_preamble"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	p.KeepThreshold = aux.KeepThreshold
	p.TriageBand = aux.TriageBand
	p.ShortCircuitThreshold = aux.ShortCircuitThreshold
	p.CategoryThreshold = aux.CategoryThreshold
	p.AutomationThreshold = aux.AutomationThreshold
	p.TokenBudget = aux.TokenBudget
	p.DiversityCeiling = aux.DiversityCeiling
	p.ShortlistSize = aux.ShortlistSize
	p.SimilarityFloor = aux.SimilarityFloor
	p.SkipRerankAbove = aux.SkipRerankAbove
	p.RetrievalTopK = aux.RetrievalTopK
	p.RefereeSimilarityWeight = aux.RefereeSimilarityWeight
	p.RefereeRerankWeight = aux.RefereeRerankWeight
	p.MaxRetries = aux.MaxRetries
	p.WorkerConcurrency = aux.WorkerConcurrency
	p.RulesPath = aux.RulesPath
	p.CategoriesPath = aux.CategoriesPath
	p.SystemPreamble = aux.SystemPreamble

	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.RetryBaseBackoff, "retry_base_backoff", &p.RetryBaseBackoff},
		{aux.RetryMaxBackoff, "retry_max_backoff", &p.RetryMaxBackoff},
		{aux.ScoringTimeout, "scoring_timeout", &p.ScoringTimeout},
		{aux.GenerationTimeout, "generation_timeout", &p.GenerationTimeout},
		{aux.CacheTTL, "cache_ttl", &p.CacheTTL},
		{aux.DedupeTTL, "dedupe_ttl", &p.DedupeTTL},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	EmbedModel     string  `yaml:"embed_model"`
	ChatModel      string  `yaml:"chat_model"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
}

type ServicesConfig struct {
	OpenAI       OpenAIConfig `yaml:"openai"`
	RerankURL    string       `yaml:"rerank_url"`
	TokenizerURL string       `yaml:"tokenizer_url"`
	RetrievalURL string       `yaml:"retrieval_url"`
	CorpusRef    string       `yaml:"corpus_ref"`
}

type Config struct {
	DB       DBConfig       `yaml:"db"`
	MQ       MQConfig       `yaml:"mq"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Services ServicesConfig `yaml:"services"`
}

// Load reads the YAML config, applies defaults for unset pipeline knobs and
// finally overrides from environment variables (highest priority).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	applyDefaults(&cfg.Pipeline)
	overrideFromEnv(&cfg)

	return &cfg, nil
}

func applyDefaults(p *PipelineConfig) {
	if p.KeepThreshold == 0 {
		p.KeepThreshold = 0.5
	}
	if p.TriageBand == 0 {
		p.TriageBand = 0.2
	}
	if p.ShortCircuitThreshold == 0 {
		p.ShortCircuitThreshold = 0.85
	}
	if p.CategoryThreshold == 0 {
		p.CategoryThreshold = 0.70
	}
	if p.AutomationThreshold == 0 {
		p.AutomationThreshold = 0.75
	}
	if p.TokenBudget == 0 {
		p.TokenBudget = 3000
	}
	if p.DiversityCeiling == 0 {
		p.DiversityCeiling = 0.8
	}
	if p.ShortlistSize == 0 {
		p.ShortlistSize = 3
	}
	if p.SimilarityFloor == 0 {
		p.SimilarityFloor = 0.1
	}
	if p.SkipRerankAbove == 0 {
		p.SkipRerankAbove = 0.95
	}
	if p.RetrievalTopK == 0 {
		p.RetrievalTopK = 10
	}
	if p.RefereeSimilarityWeight == 0 && p.RefereeRerankWeight == 0 {
		p.RefereeSimilarityWeight = 0.4
		p.RefereeRerankWeight = 0.6
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryBaseBackoff == 0 {
		p.RetryBaseBackoff = 200 * time.Millisecond
	}
	if p.RetryMaxBackoff == 0 {
		p.RetryMaxBackoff = 5 * time.Second
	}
	if p.ScoringTimeout == 0 {
		p.ScoringTimeout = 10 * time.Second
	}
	if p.GenerationTimeout == 0 {
		p.GenerationTimeout = 30 * time.Second
	}
	if p.WorkerConcurrency == 0 {
		p.WorkerConcurrency = 8
	}
	if p.CacheTTL == 0 {
		p.CacheTTL = time.Hour
	}
	if p.DedupeTTL == 0 {
		p.DedupeTTL = time.Hour
	}
	if p.RulesPath == "" {
		p.RulesPath = "rules.yaml"
	}
	if p.CategoriesPath == "" {
		p.CategoriesPath = "categories.yaml"
	}
	if p.SystemPreamble == "" {
		p.SystemPreamble = "You are a support assistant. Answer only from the provided context and cite the passages you used."
	}
}

func overrideFromEnv(cfg *Config) {
	// DB配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	// MQ / Redis
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// JWT / Server
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// 外部服务
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Services.OpenAI.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.Services.OpenAI.BaseURL = base
	}
	if url := os.Getenv("RERANK_URL"); url != "" {
		cfg.Services.RerankURL = url
	}
	if url := os.Getenv("TOKENIZER_URL"); url != "" {
		cfg.Services.TokenizerURL = url
	}
	if url := os.Getenv("RETRIEVAL_URL"); url != "" {
		cfg.Services.RetrievalURL = url
	}
}
