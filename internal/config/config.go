// Package config loads evidraft configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider names for generation and embedding backends.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Evidence index backends.
const (
	IndexSurreal = "surreal"
	IndexMemory  = "memory"
)

// RankWeights weight the terms of the evidence ranking score.
type RankWeights struct {
	Similarity float64
	Quality    float64
	Relevance  float64
	Recency    float64
}

// Config holds all configuration values.
type Config struct {
	// Job store (SQLite)
	DBPath string

	// Evidence index
	EvidenceIndex      string
	EvidenceSeedFile   string
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Generation and embedding providers
	LLMProvider     string
	LLMModel        string
	EmbedProvider   string
	EmbedModel      string
	EmbedDimension  int
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// HTTP API
	ListenAddr  string
	LongPollMax time.Duration

	// Submission rate limit (disabled when RedisAddr is empty)
	RedisAddr         string
	RateLimitCapacity int
	RateLimitRefill   float64

	// Worker
	WorkerConcurrency int
	PollInterval      time.Duration
	ClaimTimeout      time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	SweepInterval     time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// Content generation
	GenerationTimeout       time.Duration
	MaxEvidenceChars        int
	MaxContextChars         int
	PhraseCopyLimit         int
	NoEvidenceConfidenceCap float64

	// Evidence collection
	StrategiesFile        string
	RankWeights           RankWeights
	RecencyHalfLife       time.Duration
	OverFetch             int
	MaxParallelRetrievals int
	DefaultMaxChunks      int

	// Quality validation
	CopyNGramSize   int
	CopyRiskCeiling float64

	// Tracing ("stdout" or empty)
	OTELExporter string
}

// Load reads configuration from environment variables.
func Load() Config {
	ngram := getEnvInt("EVIDRAFT_COPY_NGRAM_SIZE", 6)

	return Config{
		DBPath: getEnv("EVIDRAFT_DB", "evidraft.db"),

		EvidenceIndex:      getEnv("EVIDRAFT_EVIDENCE_INDEX", IndexSurreal),
		EvidenceSeedFile:   getEnv("EVIDRAFT_EVIDENCE_SEED_FILE", ""),
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "evidraft"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "evidence"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("EVIDRAFT_LLM_PROVIDER", ProviderOllama),
		LLMModel:        getEnv("EVIDRAFT_LLM_MODEL", "llama3.2"),
		EmbedProvider:   getEnv("EVIDRAFT_EMBED_PROVIDER", ProviderOllama),
		EmbedModel:      getEnv("EVIDRAFT_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension:  getEnvInt("EVIDRAFT_EMBED_DIMENSION", 384),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		LogFile:  getEnv("EVIDRAFT_LOG_FILE", "/tmp/evidraft.log"),
		LogLevel: parseLogLevel(getEnv("EVIDRAFT_LOG_LEVEL", "INFO")),

		ListenAddr:  getEnv("EVIDRAFT_LISTEN_ADDR", ":8080"),
		LongPollMax: getEnvDuration("EVIDRAFT_LONG_POLL_MAX", 60*time.Second),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RateLimitCapacity: getEnvInt("EVIDRAFT_RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("EVIDRAFT_RATE_LIMIT_REFILL", 0.2),

		WorkerConcurrency: getEnvInt("EVIDRAFT_WORKER_CONCURRENCY", 1),
		PollInterval:      getEnvDuration("EVIDRAFT_POLL_INTERVAL", 2*time.Second),
		ClaimTimeout:      getEnvDuration("EVIDRAFT_CLAIM_TIMEOUT", 10*time.Minute),
		MaxAttempts:       getEnvInt("EVIDRAFT_MAX_ATTEMPTS", 3),
		BackoffInitial:    getEnvDuration("EVIDRAFT_BACKOFF_INITIAL", 5*time.Second),
		BackoffMax:        getEnvDuration("EVIDRAFT_BACKOFF_MAX", 5*time.Minute),
		BackoffMultiplier: getEnvFloat("EVIDRAFT_BACKOFF_MULTIPLIER", 2.0),
		BackoffJitter:     getEnvFloat("EVIDRAFT_BACKOFF_JITTER", 0.2),
		SweepInterval:     getEnvDuration("EVIDRAFT_SWEEP_INTERVAL", 30*time.Second),

		BreakerThreshold: getEnvInt("EVIDRAFT_BREAKER_THRESHOLD", 5),
		BreakerWindow:    getEnvDuration("EVIDRAFT_BREAKER_WINDOW", time.Minute),
		BreakerCooldown:  getEnvDuration("EVIDRAFT_BREAKER_COOLDOWN", 30*time.Second),

		GenerationTimeout:       getEnvDuration("EVIDRAFT_GENERATION_TIMEOUT", 2*time.Minute),
		MaxEvidenceChars:        getEnvInt("EVIDRAFT_MAX_EVIDENCE_CHARS", 1200),
		MaxContextChars:         getEnvInt("EVIDRAFT_MAX_CONTEXT_CHARS", 24000),
		PhraseCopyLimit:         getEnvInt("EVIDRAFT_PHRASE_COPY_LIMIT", ngram-1),
		NoEvidenceConfidenceCap: getEnvFloat("EVIDRAFT_NO_EVIDENCE_CONFIDENCE_CAP", 0.3),

		StrategiesFile: getEnv("EVIDRAFT_STRATEGIES_FILE", ""),
		RankWeights: RankWeights{
			Similarity: getEnvFloat("EVIDRAFT_RANK_WEIGHT_SIMILARITY", 0.5),
			Quality:    getEnvFloat("EVIDRAFT_RANK_WEIGHT_QUALITY", 0.2),
			Relevance:  getEnvFloat("EVIDRAFT_RANK_WEIGHT_RELEVANCE", 0.2),
			Recency:    getEnvFloat("EVIDRAFT_RANK_WEIGHT_RECENCY", 0.1),
		},
		RecencyHalfLife:       getEnvDuration("EVIDRAFT_RECENCY_HALF_LIFE", 365*24*time.Hour),
		OverFetch:             getEnvInt("EVIDRAFT_KNN_OVERFETCH", 4),
		MaxParallelRetrievals: getEnvInt("EVIDRAFT_MAX_PARALLEL_RETRIEVALS", 4),
		DefaultMaxChunks:      getEnvInt("EVIDRAFT_DEFAULT_MAX_CHUNKS", 8),

		CopyNGramSize:   ngram,
		CopyRiskCeiling: getEnvFloat("EVIDRAFT_COPY_RISK_CEILING", 0.15),

		OTELExporter: getEnv("OTEL_EXPORTER", ""),
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	if c.GenerationTimeout >= c.ClaimTimeout {
		errs = append(errs, fmt.Errorf("generation timeout %s must be shorter than claim timeout %s", c.GenerationTimeout, c.ClaimTimeout))
	}
	if c.CopyNGramSize < 4 {
		errs = append(errs, fmt.Errorf("copy n-gram size must be at least 4, got %d", c.CopyNGramSize))
	}
	// The prompt's reuse limit must stay below what the validator flags.
	if c.PhraseCopyLimit < 1 || c.PhraseCopyLimit >= c.CopyNGramSize {
		errs = append(errs, fmt.Errorf("phrase copy limit must be between 1 and %d (copy n-gram size - 1), got %d",
			c.CopyNGramSize-1, c.PhraseCopyLimit))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker threshold must be at least 1, got %d", c.BreakerThreshold))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("worker concurrency must be at least 1, got %d", c.WorkerConcurrency))
	}

	w := c.RankWeights
	if w.Similarity < 0 || w.Quality < 0 || w.Relevance < 0 || w.Recency < 0 {
		errs = append(errs, errors.New("rank weights must not be negative"))
	} else if w.Similarity+w.Quality+w.Relevance+w.Recency == 0 {
		errs = append(errs, errors.New("at least one rank weight must be positive"))
	}

	for name, v := range map[string]float64{
		"copy risk ceiling":          c.CopyRiskCeiling,
		"no-evidence confidence cap": c.NoEvidenceConfidenceCap,
		"backoff jitter":             c.BackoffJitter,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %g", name, v))
		}
	}

	switch c.EvidenceIndex {
	case IndexSurreal, IndexMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown evidence index %q", c.EvidenceIndex))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("ignoring invalid float", "key", key, "value", v)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
