package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fxsettle/internal/logging"
)

// Source kinds understood by the application wiring.
const (
	SourceHTTP   = "http"
	SourceVault  = "vault"
	SourceStatic = "static"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Pairs       []PairConfig      `mapstructure:"pairs"`
	Compliance  ComplianceConfig  `mapstructure:"compliance"`
	Protocol    ProtocolConfig    `mapstructure:"protocol"`
	Roles       []RoleConfig      `mapstructure:"roles"`
}

// RoleConfig grants a capability to a set of addresses.
type RoleConfig struct {
	Capability string   `mapstructure:"capability"`
	Addresses  []string `mapstructure:"addresses"`
}

// Grants flattens roles into capability -> addresses.
func (c *Config) Grants() map[string][]string {
	grants := make(map[string][]string, len(c.Roles))
	for _, r := range c.Roles {
		grants[r.Capability] = append(grants[r.Capability], r.Addresses...)
	}
	return grants
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs without persistence.
type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
	AuditRetention    time.Duration `mapstructure:"audit_retention"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RoundTimeout    time.Duration `mapstructure:"round_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// AggregationConfig tunes consensus and cross-validation.
type AggregationConfig struct {
	MinValidSources      int   `mapstructure:"min_valid_sources"`
	OutlierThresholdBps  int64 `mapstructure:"outlier_threshold_bps"`
	HighDeviationBps     int64 `mapstructure:"high_deviation_bps"`
	CriticalDeviationBps int64 `mapstructure:"critical_deviation_bps"`
	FailureDecay         int   `mapstructure:"failure_decay"`
	MaxHistory           int   `mapstructure:"max_history"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	HaltLevel string `mapstructure:"halt_level"`
}

// PairConfig registers a currency pair.
type PairConfig struct {
	Base            string         `mapstructure:"base"`
	Quote           string         `mapstructure:"quote"`
	TWAPWindow      time.Duration  `mapstructure:"twap_window"`
	MaxDeviationBps int64          `mapstructure:"max_deviation_bps"`
	Sources         []SourceConfig `mapstructure:"sources"`
}

// Label renders BASE/QUOTE.
func (p PairConfig) Label() string {
	return strings.ToUpper(p.Base) + "/" + strings.ToUpper(p.Quote)
}

// SourceConfig describes one rate source for a pair.
type SourceConfig struct {
	ID         string        `mapstructure:"id"`
	Kind       string        `mapstructure:"kind"`
	Staleness  time.Duration `mapstructure:"staleness"`
	Weight     int           `mapstructure:"weight"`
	Confidence int           `mapstructure:"confidence"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// http
	URL            string            `mapstructure:"url"`
	Method         string            `mapstructure:"method"`
	Body           string            `mapstructure:"body"`
	Headers        map[string]string `mapstructure:"headers"`
	RatePath       string            `mapstructure:"rate_path"`
	TimestampPath  string            `mapstructure:"timestamp_path"`
	ConfidencePath string            `mapstructure:"confidence_path"`
	UserAgent      string            `mapstructure:"user_agent"`
	RequestsPerSec float64           `mapstructure:"requests_per_sec"`

	// vault
	RPCURL       string `mapstructure:"rpc_url"`
	VaultAddress string `mapstructure:"vault_address"`
	Decimals     int32  `mapstructure:"decimals"`

	// static
	Rate string `mapstructure:"rate"`
}

// ComplianceConfig tunes the compliance gate and seeds profiles.
type ComplianceConfig struct {
	TravelRuleThreshold string          `mapstructure:"travel_rule_threshold"`
	HighRiskScore       int             `mapstructure:"high_risk_score"`
	Profiles            []ProfileConfig `mapstructure:"profiles"`
}

// ProfileConfig seeds one compliance profile.
type ProfileConfig struct {
	Address            string    `mapstructure:"address"`
	Tier               string    `mapstructure:"tier"`
	Sanctioned         bool      `mapstructure:"sanctioned"`
	RiskScore          int       `mapstructure:"risk_score"`
	PEP                bool      `mapstructure:"pep"`
	SingleTxLimit      string    `mapstructure:"single_tx_limit"`
	DailyLimit         string    `mapstructure:"daily_limit"`
	MonthlyLimit       string    `mapstructure:"monthly_limit"`
	VerificationExpiry time.Time `mapstructure:"verification_expiry"`
}

// ProtocolConfig configures the payment and escrow engines.
type ProtocolConfig struct {
	Custody               string        `mapstructure:"custody"`
	Treasury              string        `mapstructure:"treasury"`
	EscrowVault           string        `mapstructure:"escrow_vault"`
	FeeBps                int64         `mapstructure:"fee_bps"`
	MaxAmount             string        `mapstructure:"max_amount"`
	Tokens                []string      `mapstructure:"tokens"`
	MaxSlippageBps        int64         `mapstructure:"max_slippage_bps"`
	AllowUnreliableQuotes bool          `mapstructure:"allow_unreliable_quotes"`
	ScreenSanctions       bool          `mapstructure:"screen_sanctions"`
	DisputeWindow         time.Duration `mapstructure:"dispute_window"`
	RefundDelay           time.Duration `mapstructure:"refund_delay"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FXSETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxsettle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787374))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.round_timeout", "20s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "warning")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("aggregation.min_valid_sources", 3)
	v.SetDefault("aggregation.outlier_threshold_bps", 200)
	v.SetDefault("aggregation.high_deviation_bps", 500)
	v.SetDefault("aggregation.critical_deviation_bps", 1000)
	v.SetDefault("aggregation.failure_decay", 5)
	v.SetDefault("aggregation.max_history", 1024)

	v.SetDefault("breaker.halt_level", "critical")

	v.SetDefault("compliance.travel_rule_threshold", "3000")
	v.SetDefault("compliance.high_risk_score", 70)

	v.SetDefault("protocol.fee_bps", 30)
	v.SetDefault("protocol.max_amount", "1000000")
	v.SetDefault("protocol.tokens", []string{"USDC", "EURC"})
	v.SetDefault("protocol.max_slippage_bps", 100)
	v.SetDefault("protocol.screen_sanctions", true)
	v.SetDefault("protocol.dispute_window", "168h")
	v.SetDefault("protocol.refund_delay", "720h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.audit_retention", "2160h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) applySourceDefaults() {
	for i := range c.Pairs {
		if c.Pairs[i].TWAPWindow <= 0 {
			c.Pairs[i].TWAPWindow = time.Hour
		}
		for j := range c.Pairs[i].Sources {
			src := &c.Pairs[i].Sources[j]
			if src.Kind == "" {
				src.Kind = SourceHTTP
			}
			src.Kind = strings.ToLower(src.Kind)
			if src.Staleness <= 0 {
				src.Staleness = 5 * time.Minute
			}
			if src.Confidence <= 0 {
				src.Confidence = 90
			}
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Protocol.FeeBps < 0 || c.Protocol.FeeBps >= 10000 {
		return fmt.Errorf("protocol.fee_bps must be in [0, 10000)")
	}
	if _, err := c.Protocol.MaxAmountDecimal(); err != nil {
		return err
	}
	for _, field := range []struct{ name, value string }{
		{"protocol.custody", c.Protocol.Custody},
		{"protocol.treasury", c.Protocol.Treasury},
		{"protocol.escrow_vault", c.Protocol.EscrowVault},
	} {
		if field.value != "" && !common.IsHexAddress(field.value) {
			return fmt.Errorf("%s is not a hex address", field.name)
		}
	}
	if _, err := decimal.NewFromString(c.Compliance.TravelRuleThreshold); err != nil {
		return fmt.Errorf("compliance.travel_rule_threshold: %w", err)
	}
	for i, r := range c.Roles {
		if r.Capability == "" {
			return fmt.Errorf("roles[%d].capability is required", i)
		}
		for _, addr := range r.Addresses {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("roles[%d]: %q is not a hex address", i, addr)
			}
		}
	}
	for i, p := range c.Compliance.Profiles {
		if !common.IsHexAddress(p.Address) {
			return fmt.Errorf("compliance.profiles[%d].address is not a hex address", i)
		}
	}

	seen := make(map[string]struct{}, len(c.Pairs))
	for i, pair := range c.Pairs {
		if pair.Base == "" || pair.Quote == "" {
			return fmt.Errorf("pairs[%d]: base and quote are required", i)
		}
		if _, dup := seen[pair.Label()]; dup {
			return fmt.Errorf("pairs[%d]: duplicate pair %s", i, pair.Label())
		}
		seen[pair.Label()] = struct{}{}
		if len(pair.Sources) == 0 {
			return fmt.Errorf("pair %s: at least one source is required", pair.Label())
		}
		for j, src := range pair.Sources {
			if err := src.validate(); err != nil {
				return fmt.Errorf("pair %s sources[%d]: %w", pair.Label(), j, err)
			}
		}
	}
	return nil
}

func (s SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Confidence > 100 {
		return fmt.Errorf("confidence must be at most 100")
	}
	switch s.Kind {
	case SourceHTTP:
		if s.URL == "" || s.RatePath == "" {
			return fmt.Errorf("url and rate_path are required for http sources")
		}
	case SourceVault:
		if s.RPCURL == "" || !common.IsHexAddress(s.VaultAddress) {
			return fmt.Errorf("rpc_url and a hex vault_address are required for vault sources")
		}
	case SourceStatic:
		d, err := decimal.NewFromString(s.Rate)
		if err != nil || d.Sign() <= 0 {
			return fmt.Errorf("static sources need a positive rate")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

// MaxAmountDecimal parses protocol.max_amount. Empty means uncapped.
func (p ProtocolConfig) MaxAmountDecimal() (decimal.Decimal, error) {
	if p.MaxAmount == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("protocol.max_amount: %w", err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("protocol.max_amount cannot be negative")
	}
	return d, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
