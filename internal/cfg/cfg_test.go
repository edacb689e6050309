package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		TelegramToken:         "123456:test-token",
		TelegramBaseURL:       "https://api.telegram.org",
		OwnerChatID:           9000,
		PollTimeoutSeconds:    30,
		DigestIntervalHours:   4,
		MuteSweepMinutes:      15,
		SizeSweepMinutes:      30,
		WarnThreshold:         5,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.TelegramBaseURL != "https://api.telegram.org" {
		t.Errorf("TelegramBaseURL = %q, want default gateway", c.TelegramBaseURL)
	}
	if c.DigestIntervalHours != 4 {
		t.Errorf("DigestIntervalHours = %d, want 4", c.DigestIntervalHours)
	}
	if c.MuteSweepMinutes != 15 {
		t.Errorf("MuteSweepMinutes = %d, want 15", c.MuteSweepMinutes)
	}
	if c.SizeSweepMinutes != 30 {
		t.Errorf("SizeSweepMinutes = %d, want 30", c.SizeSweepMinutes)
	}
	if c.WarnThreshold != 5 {
		t.Errorf("WarnThreshold = %d, want 5", c.WarnThreshold)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-telegram-token", "override-token",
		"-owner-chat-id", "4242",
		"-sqlite-path", "/var/lib/herald/herald.db",
		"-oracle-base-url", "http://localhost:11434/v1",
		"-digest-interval-hours", "8",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.TelegramToken != "override-token" {
		t.Errorf("TelegramToken = %q, want %q", c.TelegramToken, "override-token")
	}
	if c.OwnerChatID != 4242 {
		t.Errorf("OwnerChatID = %d, want 4242", c.OwnerChatID)
	}
	if c.SQLitePath != "/var/lib/herald/herald.db" {
		t.Errorf("SQLitePath = %q", c.SQLitePath)
	}
	if c.OracleBaseURL != "http://localhost:11434/v1" {
		t.Errorf("OracleBaseURL = %q", c.OracleBaseURL)
	}
	if c.DigestIntervalHours != 8 {
		t.Errorf("DigestIntervalHours = %d, want 8", c.DigestIntervalHours)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	mutate := func(fn func(*Config)) Config {
		c := validBase()
		fn(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "postgres backend",
			cfg:     mutate(func(c *Config) { c.DatabaseURL = "postgres://localhost/herald" }),
			wantErr: false,
		},
		{
			name:    "sqlite backend",
			cfg:     mutate(func(c *Config) { c.SQLitePath = "/tmp/herald.db" }),
			wantErr: false,
		},
		{
			name: "both backends set",
			cfg: mutate(func(c *Config) {
				c.DatabaseURL = "postgres://localhost/herald"
				c.SQLitePath = "/tmp/herald.db"
			}),
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       mutate(func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     mutate(func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds + 1 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       mutate(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       mutate(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Gateway fields
		{
			name:      "missing telegram token",
			cfg:       mutate(func(c *Config) { c.TelegramToken = "" }),
			wantErr:   true,
			errSubstr: []string{"TELEGRAM_TOKEN"},
		},
		{
			name:      "missing base url",
			cfg:       mutate(func(c *Config) { c.TelegramBaseURL = "" }),
			wantErr:   true,
			errSubstr: []string{"TELEGRAM_BASE_URL"},
		},
		{
			name:      "owner chat id zero",
			cfg:       mutate(func(c *Config) { c.OwnerChatID = 0 }),
			wantErr:   true,
			errSubstr: []string{"OWNER_CHAT_ID"},
		},
		{
			name:      "poll timeout above max",
			cfg:       mutate(func(c *Config) { c.PollTimeoutSeconds = 91 }),
			wantErr:   true,
			errSubstr: []string{"POLL_TIMEOUT_SECONDS"},
		},
		// Oracle
		{
			name: "oracle endpoint without model",
			cfg: mutate(func(c *Config) {
				c.OracleBaseURL = "http://localhost:11434/v1"
				c.OracleModel = ""
			}),
			wantErr:   true,
			errSubstr: []string{"ORACLE_MODEL"},
		},
		{
			name:    "no oracle endpoint needs no model",
			cfg:     mutate(func(c *Config) { c.OracleModel = "" }),
			wantErr: false,
		},
		// Cadences and threshold
		{
			name:      "digest interval zero",
			cfg:       mutate(func(c *Config) { c.DigestIntervalHours = 0 }),
			wantErr:   true,
			errSubstr: []string{"DIGEST_INTERVAL_HOURS"},
		},
		{
			name:      "digest interval above max",
			cfg:       mutate(func(c *Config) { c.DigestIntervalHours = 25 }),
			wantErr:   true,
			errSubstr: []string{"DIGEST_INTERVAL_HOURS"},
		},
		{
			name:      "mute sweep zero",
			cfg:       mutate(func(c *Config) { c.MuteSweepMinutes = 0 }),
			wantErr:   true,
			errSubstr: []string{"MUTE_SWEEP_MINUTES"},
		},
		{
			name:      "size sweep above max",
			cfg:       mutate(func(c *Config) { c.SizeSweepMinutes = 1441 }),
			wantErr:   true,
			errSubstr: []string{"SIZE_SWEEP_MINUTES"},
		},
		{
			name:      "warn threshold negative",
			cfg:       mutate(func(c *Config) { c.WarnThreshold = -1 }),
			wantErr:   true,
			errSubstr: []string{"WARN_THRESHOLD"},
		},
		{
			name:      "warn threshold above max",
			cfg:       mutate(func(c *Config) { c.WarnThreshold = 11 }),
			wantErr:   true,
			errSubstr: []string{"WARN_THRESHOLD"},
		},
		{
			name:    "warn threshold zero is allowed",
			cfg:     mutate(func(c *Config) { c.WarnThreshold = 0 }),
			wantErr: false,
		},
		// Error accumulation: all fields invalid
		{
			name:    "all fields invalid",
			cfg:     Config{},
			wantErr: true,
			errSubstr: []string{
				"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT",
				"TELEGRAM_TOKEN", "OWNER_CHAT_ID", "POLL_TIMEOUT_SECONDS",
				"DIGEST_INTERVAL_HOURS", "MUTE_SWEEP_MINUTES", "SIZE_SWEEP_MINUTES",
			},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: Config{
				DrainSeconds:          math.MinInt32,
				ShutdownBudgetSeconds: math.MinInt32,
				APIPort:               math.MinInt32,
				OwnerChatID:           math.MinInt64,
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "OWNER_CHAT_ID"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		ownerChatID         int64
		token               string
		digestHours         int
	}{
		{60, 90, 8080, 9000, "tok", 4},
		{1, 2, 1, 1, "t", 1},
		{299, 300, 65535, math.MaxInt64, "t", 24},
		{0, 0, 0, 0, "", 0},
		{-1, -1, -1, -1, "", -1},
		{150, 100, 8080, 9000, "tok", 4},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt64, "", math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt64, "", math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.ownerChatID, s.token, s.digestHours)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, ownerChatID int64, token string, digestHours int) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.OwnerChatID = ownerChatID
		c.TelegramToken = token
		c.DigestIntervalHours = digestHours
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		ownerOK := ownerChatID > 0
		tokenOK := token != ""
		digestOK := digestHours >= 1 && digestHours <= 24

		allValid := drainOK && budgetOK && portOK && crossOK && ownerOK && tokenOK && digestOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
