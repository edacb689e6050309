package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds herald-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	SQLitePath  string

	TelegramToken      string
	TelegramBaseURL    string
	OwnerChatID        int64
	PollTimeoutSeconds int

	OracleBaseURL string
	OracleAPIKey  string
	OracleModel   string

	DigestIntervalHours int
	MuteSweepMinutes    int
	SizeSweepMinutes    int
	WarnThreshold       int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the HTTP API (empty = auth disabled)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file path (used when no database URL is set; both empty = in-memory store)")
	fs.StringVar(&c.TelegramToken, "telegram-token", "", "gateway bot token")
	fs.StringVar(&c.TelegramBaseURL, "telegram-base-url", "https://api.telegram.org", "gateway base URL")
	fs.Int64Var(&c.OwnerChatID, "owner-chat-id", 0, "chat ID that receives alerts and digests")
	fs.IntVar(&c.PollTimeoutSeconds, "poll-timeout-seconds", 30, "long-poll timeout for the update stream (1..90)")
	fs.StringVar(&c.OracleBaseURL, "oracle-base-url", "", "OpenAI-compatible endpoint for semantic scoring (empty = rule-based only)")
	fs.StringVar(&c.OracleAPIKey, "oracle-api-key", "", "API key for the scoring endpoint")
	fs.StringVar(&c.OracleModel, "oracle-model", "llama3.1:8b", "model name for the scoring endpoint")
	fs.IntVar(&c.DigestIntervalHours, "digest-interval-hours", 4, "hours between digest runs (1..24)")
	fs.IntVar(&c.MuteSweepMinutes, "mute-sweep-minutes", 15, "minutes between mute cache sweeps (1..1440)")
	fs.IntVar(&c.SizeSweepMinutes, "size-sweep-minutes", 30, "minutes between group-size cache sweeps (1..1440)")
	fs.IntVar(&c.WarnThreshold, "warn-threshold", 5, "score at or above which a real-time alert goes out when no preference row exists (0..10)")
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

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// One persistent backend at most
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	// The gateway connection is the whole point of the service
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}
	if c.TelegramBaseURL == "" {
		errs = append(errs, errors.New("TELEGRAM_BASE_URL is required"))
	}
	if c.OwnerChatID <= 0 {
		errs = append(errs, fmt.Errorf("invalid OWNER_CHAT_ID %d (must be positive)", c.OwnerChatID))
	}
	if c.PollTimeoutSeconds <= 0 || c.PollTimeoutSeconds > 90 {
		errs = append(errs, fmt.Errorf("invalid POLL_TIMEOUT_SECONDS %d (must be 1..90)", c.PollTimeoutSeconds))
	}

	// Oracle model only matters when an endpoint is configured
	if c.OracleBaseURL != "" && c.OracleModel == "" {
		errs = append(errs, errors.New("ORACLE_MODEL is required when ORACLE_BASE_URL is set"))
	}

	if c.DigestIntervalHours <= 0 || c.DigestIntervalHours > 24 {
		errs = append(errs, fmt.Errorf("invalid DIGEST_INTERVAL_HOURS %d (must be 1..24)", c.DigestIntervalHours))
	}
	if c.MuteSweepMinutes <= 0 || c.MuteSweepMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid MUTE_SWEEP_MINUTES %d (must be 1..1440)", c.MuteSweepMinutes))
	}
	if c.SizeSweepMinutes <= 0 || c.SizeSweepMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid SIZE_SWEEP_MINUTES %d (must be 1..1440)", c.SizeSweepMinutes))
	}
	if c.WarnThreshold < 0 || c.WarnThreshold > 10 {
		errs = append(errs, fmt.Errorf("invalid WARN_THRESHOLD %d (must be 0..10)", c.WarnThreshold))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
