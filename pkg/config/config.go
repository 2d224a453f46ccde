package config

import (
	"os"
	"strconv"
	"time"

	"github.com/mikeboe/product-recommender/pkg/agent"
)

type Config struct {
	GoogleApiKey string
	DatabaseURL  string
	RedisURL     string
	Port         string

	CheckpointBackend string
	CheckpointTTL     time.Duration

	ValidationModel string
	SearchModel     string
	AnalysisModel   string
	EmbeddingModel  string

	MaxSearchQueries   int
	MaxSearchLoops     int
	SearchTimeout      time.Duration
	SynthesisMode      string
	MaxRecommendations int
	ShortURLPrefix     string
	HistoryWindow      int

	ChunkSize          int
	ChunkOverlap       int
	FindingsCollection string
}

// Load reads the configuration from the environment. Call godotenv.Load
// first to pick up a .env file.
func Load() *Config {
	return &Config{
		GoogleApiKey: getEnv("GOOGLE_API_KEY", os.Getenv("GEMINI_API_KEY")),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		Port:         getEnv("PORT", "3000"),

		CheckpointBackend: getEnv("CHECKPOINT_BACKEND", "memory"),
		CheckpointTTL:     getEnvAsDuration("CHECKPOINT_TTL", 24*time.Hour),

		ValidationModel: getEnv("VALIDATION_MODEL", agent.DefaultModel),
		SearchModel:     getEnv("SEARCH_MODEL", agent.DefaultModel),
		AnalysisModel:   getEnv("ANALYSIS_MODEL", agent.DefaultModel),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),

		MaxSearchQueries:   getEnvAsInt("MAX_SEARCH_QUERIES", agent.DefaultMaxSearchQueries),
		MaxSearchLoops:     getEnvAsInt("MAX_SEARCH_LOOPS", agent.DefaultMaxSearchLoops),
		SearchTimeout:      getEnvAsDuration("SEARCH_TIMEOUT", agent.DefaultSearchTimeout),
		SynthesisMode:      getEnv("SYNTHESIS_MODE", string(agent.ModeAnswer)),
		MaxRecommendations: getEnvAsInt("MAX_RECOMMENDATIONS", agent.DefaultMaxRecommendations),
		ShortURLPrefix:     getEnv("SHORT_URL_PREFIX", agent.DefaultShortURLPrefix),
		HistoryWindow:      getEnvAsInt("HISTORY_WINDOW", agent.DefaultHistoryWindow),

		ChunkSize:          getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:       getEnvAsInt("CHUNK_OVERLAP", 200),
		FindingsCollection: getEnv("FINDINGS_COLLECTION", "research_findings"),
	}
}

// AgentConfig resolves the per-run agent settings. Validation uses the
// validation model, search uses the search model and every other stage
// uses the analysis model.
func (c *Config) AgentConfig() (agent.Config, error) {
	mode, err := agent.ParseMode(c.SynthesisMode)
	if err != nil {
		return agent.Config{}, err
	}
	cfg := agent.Config{
		ValidationModel:    c.ValidationModel,
		QueryModel:         c.AnalysisModel,
		SearchModel:        c.SearchModel,
		ReflectionModel:    c.AnalysisModel,
		AnswerModel:        c.AnalysisModel,
		MaxSearchQueries:   c.MaxSearchQueries,
		MaxSearchLoops:     c.MaxSearchLoops,
		SearchTimeout:      c.SearchTimeout,
		Mode:               mode,
		MaxRecommendations: c.MaxRecommendations,
		ShortURLPrefix:     c.ShortURLPrefix,
		HistoryWindow:      c.HistoryWindow,
	}
	return cfg, cfg.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("25s") and bare seconds ("25").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
