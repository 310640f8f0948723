package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/linnemanlabs/loandesk/internal/digest"
)

// Providers accepted by -llm-provider.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// MaxUploadLimit is the largest accepted value for -max-upload-bytes.
const MaxUploadLimit = 25 << 20

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	LLMProvider      string
	ClaudeAPIKey     string
	ClaudeModel      string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	EmbeddingModel   string
	ModelTemperature float64
	ModelMaxTokens   int
	CallTimeoutSecs  int
	CallMaxAttempts  int

	DatabaseURL  string
	SQLitePath   string
	TaxonomyPath string

	SlackWebhookURL string
	DigestSchedule  string
	APIToken        string
	MaxUploadBytes  int64
	EnvFile         string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "generative model provider (claude|openai)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI (embeddings, and generation when llm-provider=openai)")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "override the OpenAI API base URL (empty = default)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI chat model to use")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "embedding model used for duplicate detection")
	fs.Float64Var(&c.ModelTemperature, "model-temperature", 0, "sampling temperature for classification and extraction (0..2)")
	fs.IntVar(&c.ModelMaxTokens, "model-max-tokens", 2048, "maximum tokens per model response")
	fs.IntVar(&c.CallTimeoutSecs, "call-timeout-seconds", 60, "per-attempt timeout for model and embedding calls (1..600)")
	fs.IntVar(&c.CallMaxAttempts, "call-max-attempts", 3, "attempts per model or embedding call (1..10)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite-path or in-memory store)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty)")
	fs.StringVar(&c.TaxonomyPath, "taxonomy-path", "", "YAML taxonomy file (empty = built-in taxonomy)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.DigestSchedule, "digest-schedule", "", "cron schedule for the backlog digest (empty = disabled)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required for status updates (empty = open)")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 10<<20, "maximum accepted email upload size in bytes")
	fs.StringVar(&c.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing is ignored)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.LLMProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when LLM_PROVIDER is claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when LLM_PROVIDER is claude"))
		}
	case ProviderOpenAI:
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required when LLM_PROVIDER is openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude or openai)", c.LLMProvider))
	}

	// Duplicate detection always embeds through OpenAI.
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required"))
	}

	if math.IsNaN(c.ModelTemperature) || c.ModelTemperature < 0 || c.ModelTemperature > 2 {
		errs = append(errs, fmt.Errorf("invalid MODEL_TEMPERATURE %v (must be 0..2)", c.ModelTemperature))
	}
	if c.ModelMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("invalid MODEL_MAX_TOKENS %d (must be positive)", c.ModelMaxTokens))
	}
	if c.CallTimeoutSecs <= 0 || c.CallTimeoutSecs > 600 {
		errs = append(errs, fmt.Errorf("invalid CALL_TIMEOUT_SECONDS %d (must be 1..600)", c.CallTimeoutSecs))
	}
	if c.CallMaxAttempts <= 0 || c.CallMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid CALL_MAX_ATTEMPTS %d (must be 1..10)", c.CallMaxAttempts))
	}

	if c.MaxUploadBytes <= 0 || c.MaxUploadBytes > MaxUploadLimit {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_BYTES %d (must be 1..%d)", c.MaxUploadBytes, MaxUploadLimit))
	}

	if s := strings.TrimSpace(c.DigestSchedule); s != "" {
		if err := digest.ValidateSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("DIGEST_SCHEDULE: %w", err))
		}
		if c.SlackWebhookURL == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL is required when DIGEST_SCHEDULE is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StoreKind names the record store the config selects.
func (c *Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
