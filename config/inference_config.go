package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Batching strategy names. The set is closed; Validate rejects anything else.
const (
	StrategySizeBased = "size_based"
	StrategyTimeBased = "time_based"
	StrategyHybrid    = "hybrid"
	StrategyPriority  = "priority"
)

// ModelPricing holds per-1k-token rates in USD.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingTable maps model identifiers to their rates.
type PricingTable map[string]ModelPricing

// DefaultPricingTable returns the built-in rates. Unknown models cost zero.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":      {InputPer1K: 0.005, OutputPer1K: 0.015},
		"o1-mini":     {InputPer1K: 0.003, OutputPer1K: 0.012},
	}
}

// Cost computes the estimated USD cost of one call. Pure with respect to the
// table: unknown models price at zero.
func (p PricingTable) Cost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := p[model]
	if !ok {
		return 0
	}
	inputCost := float64(promptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(completionTokens) / 1000 * pricing.OutputPer1K
	return inputCost + outputCost
}

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "inference"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Config is the immutable configuration bundle captured at startup.
type Config struct {
	Environment string
	WorkerID    string

	// Endpoint
	APIKey     string
	BaseURL    string
	Model      string
	DraftModel string

	// Batching
	BatchSize            int
	BatchTimeout         time.Duration
	MaxConcurrentBatches int
	Strategy             string
	MaxQueueSize         int // 0 = unbounded admission

	// Rate limiting
	RequestsPerMinute int
	RequestsPerHour   int
	BurstCapacity     int

	// Endpoint retry/timeout
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration

	// Caching
	CacheTTL           time.Duration
	CacheMaxEntries    int
	BundleCacheEnabled bool

	// Resilience
	BreakerEnabled bool

	// Pricing
	Pricing PricingTable

	// HTTP surface
	HTTPEnabled bool
	Port        string

	// Redis streams
	RedisURL      string
	RequestStream string
	ResultStream  string
	ConsumerGroup string

	// Metrics snapshots
	DatabaseURL             string
	MetricsSnapshotInterval time.Duration

	// Logging
	LogLevel  string
	LogPretty bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("INFERENCE_ENV", "development"),
		WorkerID:    getEnv("INFERENCE_WORKER_ID", generateWorkerID()),

		APIKey:     getEnv("INFERENCE_API_KEY", ""),
		BaseURL:    getEnv("INFERENCE_BASE_URL", ""),
		Model:      getEnv("INFERENCE_MODEL", "gpt-4o-mini"),
		DraftModel: getEnv("INFERENCE_DRAFT_MODEL", "gpt-4o"),

		BatchSize:            getEnvInt("INFERENCE_BATCH_SIZE", 10),
		BatchTimeout:         getEnvDuration("INFERENCE_BATCH_TIMEOUT", 5*time.Second),
		MaxConcurrentBatches: getEnvInt("INFERENCE_MAX_CONCURRENT_BATCHES", 3),
		Strategy:             getEnv("INFERENCE_STRATEGY", StrategyHybrid),
		MaxQueueSize:         getEnvInt("INFERENCE_MAX_QUEUE_SIZE", 0),

		RequestsPerMinute: getEnvInt("INFERENCE_REQUESTS_PER_MINUTE", 60),
		RequestsPerHour:   getEnvInt("INFERENCE_REQUESTS_PER_HOUR", 1000),
		BurstCapacity:     getEnvInt("INFERENCE_BURST_CAPACITY", 10),

		MaxRetries:  getEnvInt("INFERENCE_MAX_RETRIES", 3),
		BaseBackoff: getEnvDuration("INFERENCE_BASE_BACKOFF", time.Second),
		Timeout:     getEnvDuration("INFERENCE_TIMEOUT", 30*time.Second),

		CacheTTL:           getEnvDuration("INFERENCE_CACHE_TTL", time.Hour),
		CacheMaxEntries:    getEnvInt("INFERENCE_CACHE_MAX_ENTRIES", 1000),
		BundleCacheEnabled: getEnvBool("INFERENCE_BUNDLE_CACHE_ENABLED", false),

		BreakerEnabled: getEnvBool("INFERENCE_BREAKER_ENABLED", true),

		Pricing: loadPricing(),

		HTTPEnabled: getEnvBool("INFERENCE_HTTP_ENABLED", false),
		Port:        getEnv("INFERENCE_PORT", "8090"),

		RedisURL:      getEnv("INFERENCE_REDIS_URL", ""),
		RequestStream: getEnv("INFERENCE_REQUEST_STREAM", "inference:requests"),
		ResultStream:  getEnv("INFERENCE_RESULT_STREAM", "inference:results"),
		ConsumerGroup: getEnv("INFERENCE_CONSUMER_GROUP", "inference-engine"),

		DatabaseURL:             getEnv("INFERENCE_DATABASE_URL", ""),
		MetricsSnapshotInterval: getEnvDuration("INFERENCE_METRICS_SNAPSHOT_INTERVAL", time.Minute),

		LogLevel:  getEnv("INFERENCE_LOG_LEVEL", "info"),
		LogPretty: getEnvBool("INFERENCE_LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("max_concurrent_batches must be >= 1, got %d", c.MaxConcurrentBatches)
	}
	switch c.Strategy {
	case StrategySizeBased, StrategyTimeBased, StrategyHybrid, StrategyPriority:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch_timeout must be >= 0")
	}
	if c.RequestsPerMinute < 1 || c.RequestsPerHour < 1 {
		return fmt.Errorf("rate caps must be >= 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be > 0")
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("cache_max_entries must be >= 1, got %d", c.CacheMaxEntries)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must be >= 0")
	}
	return nil
}

func loadPricing() PricingTable {
	table := DefaultPricingTable()
	raw := os.Getenv("INFERENCE_PRICING_JSON")
	if raw == "" {
		return table
	}
	var overrides PricingTable
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return table
	}
	for model, pricing := range overrides {
		table[model] = pricing
	}
	return table
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are read as seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
