package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	EngineConfig       EngineConfig       `json:"engine"`
	RiskConfig         RiskConfig         `json:"risk"`
	MLConfig           MLConfig           `json:"ml"`
	NewsConfig         NewsConfig         `json:"news"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	StoreConfig        StoreConfig        `json:"store"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	Symbols            []*SymbolParams    `json:"symbols"`
}

// ExchangeConfig holds exchange connectivity and fee settings
type ExchangeConfig struct {
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	Passphrase   string `json:"passphrase"`
	RESTBaseURL  string `json:"rest_base_url"`
	WSBaseURL    string `json:"ws_base_url"`
	PaperTrading bool   `json:"paper_trading"` // Route orders to the simulator
	PaperBalance float64 `json:"paper_balance"`

	HTTPTimeout      time.Duration `json:"http_timeout"`
	NetworkRetryWait time.Duration `json:"network_retry_wait"`
	MaxRetries       int           `json:"max_retries"`

	// WebSocket tuning
	WSResponseTimeout    time.Duration `json:"ws_response_timeout"`     // Force reconnect when no message for this long
	WSPingInterval       time.Duration `json:"ws_ping_interval"`
	WSReconnectBase      time.Duration `json:"ws_reconnect_base"`
	WSMaxReconnectDelay  time.Duration `json:"ws_max_reconnect_delay"`
	WSMaxAttempts        int           `json:"ws_max_attempts"`
	RESTFallbackInterval time.Duration `json:"rest_fallback_interval"` // Ticker polling while degraded

	MakerFee float64 `json:"maker_fee"`
	TakerFee float64 `json:"taker_fee"`
}

// EngineConfig holds trading cycle configuration
type EngineConfig struct {
	CycleInterval       time.Duration `json:"cycle_interval"`        // Seconds between cycles
	MinAnalysisInterval time.Duration `json:"min_analysis_interval"` // Per-symbol floor between analyses
	ATRReevalInterval   time.Duration `json:"atr_reeval_interval"`   // Stop re-evaluation cadence
	ShutdownGrace       time.Duration `json:"shutdown_grace"`
	OutcomeHorizon      time.Duration `json:"outcome_horizon"` // Age before ML predictions are scored
}

// RiskConfig holds global risk limits and capital allocation settings
type RiskConfig struct {
	DailyLossLimit     float64 `json:"daily_loss_limit"`      // Fraction, e.g. 0.05
	WeeklyLossLimit    float64 `json:"weekly_loss_limit"`     // Fraction
	MaxDrawdown        float64 `json:"max_drawdown"`          // Fraction from peak equity
	MaxTotalAllocation float64 `json:"max_total_allocation"`  // Cap on used/total
	KellyFraction      float64 `json:"kelly_fraction"`        // Safety multiplier on Kelly
	MaxLossPerPosition float64 `json:"max_loss_per_position"` // stopDistance*leverage ceiling
	MinNotional        float64 `json:"min_notional"`          // Refuse entries below this USD size

	CapitalSampleInterval time.Duration `json:"capital_sample_interval"`
	WarningThreshold      float64       `json:"warning_threshold"`  // Allocation alert levels
	DangerThreshold       float64       `json:"danger_threshold"`
	CriticalThreshold     float64       `json:"critical_threshold"`
}

// MLConfig holds ML ensemble configuration
type MLConfig struct {
	Enabled        bool          `json:"enabled"`
	ModelDir       string        `json:"model_dir"`
	RetrainAfter   time.Duration `json:"retrain_after"`
	MLWeight       float64       `json:"ml_weight"`   // Share of the non-technical fusion budget
	MinTrainRows   int           `json:"min_train_rows"`
}

// FeedConfig describes a single news source
type FeedConfig struct {
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	Reliability float64 `json:"reliability"` // 0-1
	Weight      float64 `json:"weight"`      // Source weight for emergency scoring
}

// NewsConfig holds news pipeline configuration
type NewsConfig struct {
	Enabled           bool          `json:"enabled"`
	Feeds             []FeedConfig  `json:"feeds"`
	MinConfidence     float64       `json:"min_confidence"` // Source reliability floor
	MaxItemsPerSource int           `json:"max_items_per_source"`
	MaxAge            time.Duration `json:"max_age"`
	Cooldown          time.Duration `json:"cooldown"` // Semantic-key repeat suppression
	FetchInterval     time.Duration `json:"fetch_interval"`
	UseLLM            bool          `json:"use_llm"`
	LLMAPIKey         string        `json:"llm_api_key"`
	CostOptimization  bool          `json:"cost_optimization"`
	NewsWeight        float64       `json:"news_weight"`
}

// NotificationConfig holds outbound notification settings
type NotificationConfig struct {
	Enabled          bool   `json:"enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
	WebhookURL       string `json:"webhook_url"`
}

// ServerConfig holds the control API configuration
type ServerConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	AllowedOrigins  string        `json:"allowed_origins"`
	JWTSecret       string        `json:"jwt_secret"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	StatusInterval  time.Duration `json:"status_interval"` // /ws push cadence
}

// StoreConfig selects the persistence backend. DatabaseURL (postgres) wins
// over DatabasePath (sqlite) when both are set.
type StoreConfig struct {
	DatabasePath       string        `json:"database_path"`
	DatabaseURL        string        `json:"database_url"`
	SlowQueryThreshold time.Duration `json:"slow_query_threshold"`
}

// RedisConfig holds the optional capital-sample store
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the optional HashiCorp Vault credentials backend
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

// Load builds the configuration from the environment and validates it.
// Unknown environment keys are ignored. Secrets prefixed with "enc:" are
// decrypted with the master key before use.
func Load() (*Config, error) {
	cfg := &Config{}
	applyEnv(cfg)

	if err := decryptSecrets(cfg); err != nil {
		return nil, fmt.Errorf("secret decryption failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", "")
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", "")
	cfg.ExchangeConfig.Passphrase = getEnvOrDefault("EXCHANGE_PASSPHRASE", "")
	cfg.ExchangeConfig.RESTBaseURL = getEnvOrDefault("EXCHANGE_REST_URL", "https://fapi.binance.com")
	cfg.ExchangeConfig.WSBaseURL = getEnvOrDefault("EXCHANGE_WS_URL", "wss://fstream.binance.com/stream")
	cfg.ExchangeConfig.PaperTrading = getEnvOrDefault("PAPER_TRADING", "false") == "true"
	cfg.ExchangeConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", 10000)
	cfg.ExchangeConfig.HTTPTimeout = getEnvDurationOrDefault("HTTP_TIMEOUT", 30*time.Second)
	cfg.ExchangeConfig.NetworkRetryWait = getEnvDurationOrDefault("NETWORK_RETRY_WAIT", 2*time.Second)
	cfg.ExchangeConfig.MaxRetries = getEnvIntOrDefault("NETWORK_MAX_RETRIES", 3)
	cfg.ExchangeConfig.WSResponseTimeout = getEnvDurationOrDefault("WS_RESPONSE_TIMEOUT", 90*time.Second)
	cfg.ExchangeConfig.WSPingInterval = getEnvDurationOrDefault("WS_PING_INTERVAL", 20*time.Second)
	cfg.ExchangeConfig.WSReconnectBase = getEnvDurationOrDefault("WS_RECONNECT_BASE", 2*time.Second)
	cfg.ExchangeConfig.WSMaxReconnectDelay = getEnvDurationOrDefault("WS_MAX_RECONNECT_DELAY", 60*time.Second)
	cfg.ExchangeConfig.WSMaxAttempts = getEnvIntOrDefault("WS_MAX_ATTEMPTS", 10)
	cfg.ExchangeConfig.RESTFallbackInterval = getEnvDurationOrDefault("REST_FALLBACK_INTERVAL", 15*time.Second)
	cfg.ExchangeConfig.MakerFee = getEnvFloatOrDefault("MAKER_FEE", 0.0002)
	cfg.ExchangeConfig.TakerFee = getEnvFloatOrDefault("TAKER_FEE", 0.0005)

	// Engine
	cfg.EngineConfig.CycleInterval = time.Duration(getEnvIntOrDefault("TRADING_CYCLE_INTERVAL", 300)) * time.Second
	cfg.EngineConfig.MinAnalysisInterval = getEnvDurationOrDefault("MIN_ANALYSIS_INTERVAL", 60*time.Second)
	cfg.EngineConfig.ATRReevalInterval = getEnvDurationOrDefault("ATR_REEVAL_INTERVAL", 30*time.Minute)
	cfg.EngineConfig.ShutdownGrace = getEnvDurationOrDefault("SHUTDOWN_GRACE", 10*time.Second)
	cfg.EngineConfig.OutcomeHorizon = getEnvDurationOrDefault("PREDICTION_OUTCOME_HORIZON", time.Hour)

	// Risk
	cfg.RiskConfig.DailyLossLimit = getEnvFloatOrDefault("DAILY_LOSS_LIMIT", 0.05)
	cfg.RiskConfig.WeeklyLossLimit = getEnvFloatOrDefault("WEEKLY_LOSS_LIMIT", 0.10)
	cfg.RiskConfig.MaxDrawdown = getEnvFloatOrDefault("MAX_DRAWDOWN", 0.20)
	cfg.RiskConfig.MaxTotalAllocation = getEnvFloatOrDefault("MAX_TOTAL_ALLOCATION", 1.0)
	cfg.RiskConfig.KellyFraction = getEnvFloatOrDefault("KELLY_FRACTION", 0.25)
	cfg.RiskConfig.MaxLossPerPosition = getEnvFloatOrDefault("MAX_LOSS_PER_POSITION", 0.8)
	cfg.RiskConfig.MinNotional = getEnvFloatOrDefault("MIN_NOTIONAL", 5.0)
	cfg.RiskConfig.CapitalSampleInterval = getEnvDurationOrDefault("CAPITAL_SAMPLE_INTERVAL", 30*time.Second)
	cfg.RiskConfig.WarningThreshold = getEnvFloatOrDefault("ALLOCATION_WARNING", 0.25)
	cfg.RiskConfig.DangerThreshold = getEnvFloatOrDefault("ALLOCATION_DANGER", 0.30)
	cfg.RiskConfig.CriticalThreshold = getEnvFloatOrDefault("ALLOCATION_CRITICAL", 0.32)

	// ML
	cfg.MLConfig.Enabled = getEnvOrDefault("ENABLE_ML_MODELS", "true") == "true"
	cfg.MLConfig.ModelDir = getEnvOrDefault("ML_MODEL_DIR", "models")
	cfg.MLConfig.RetrainAfter = time.Duration(getEnvIntOrDefault("ML_RETRAIN_HOURS", 24)) * time.Hour
	cfg.MLConfig.MLWeight = getEnvFloatOrDefault("ML_WEIGHT", 0.80)
	cfg.MLConfig.MinTrainRows = getEnvIntOrDefault("ML_MIN_TRAIN_ROWS", 100)

	// News
	cfg.NewsConfig.Enabled = getEnvOrDefault("NEWS_ENABLED", "true") == "true"
	cfg.NewsConfig.MinConfidence = getEnvFloatOrDefault("MIN_NEWS_CONFIDENCE", 0.6)
	cfg.NewsConfig.MaxItemsPerSource = getEnvIntOrDefault("NEWS_MAX_PER_SOURCE", 10)
	cfg.NewsConfig.MaxAge = getEnvDurationOrDefault("NEWS_MAX_AGE", 24*time.Hour)
	cfg.NewsConfig.Cooldown = getEnvDurationOrDefault("NEWS_COOLDOWN", 30*time.Minute)
	cfg.NewsConfig.FetchInterval = getEnvDurationOrDefault("NEWS_FETCH_INTERVAL", 5*time.Minute)
	cfg.NewsConfig.UseLLM = getEnvOrDefault("USE_GPT_4", "false") == "true"
	cfg.NewsConfig.LLMAPIKey = getEnvOrDefault("LLM_API_KEY", "")
	cfg.NewsConfig.CostOptimization = getEnvOrDefault("ENABLE_COST_OPTIMIZATION", "true") == "true"
	cfg.NewsConfig.NewsWeight = getEnvFloatOrDefault("NEWS_WEIGHT", 0.20)
	cfg.NewsConfig.Feeds = parseFeeds(getEnvOrDefault("NEWS_FEEDS", defaultFeedSpec))

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "true") == "true"
	cfg.NotificationConfig.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	cfg.NotificationConfig.TelegramChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", "")
	cfg.NotificationConfig.WebhookURL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", "")

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("API_JWT_SECRET", "")
	cfg.ServerConfig.ReadTimeout = getEnvDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	cfg.ServerConfig.WriteTimeout = getEnvDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second)
	cfg.ServerConfig.ShutdownTimeout = getEnvDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)
	cfg.ServerConfig.StatusInterval = getEnvDurationOrDefault("STATUS_PUSH_INTERVAL", 5*time.Second)

	// Store
	cfg.StoreConfig.DatabasePath = getEnvOrDefault("DATABASE_PATH", "trading.db")
	cfg.StoreConfig.DatabaseURL = getEnvOrDefault("DATABASE_URL", "")
	cfg.StoreConfig.SlowQueryThreshold = getEnvDurationOrDefault("SLOW_QUERY_THRESHOLD", time.Second)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-engine/exchange")

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Symbols
	cfg.Symbols = loadSymbols(getEnvOrDefault("SYMBOLS", "BTCUSDT,ETHUSDT"))
}

// Validate rejects configurations that must not reach the trading loop.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must name at least one symbol")
	}

	weightSum := 0.0
	for _, s := range c.Symbols {
		if s.Leverage < 1 || s.Leverage > 100 {
			return fmt.Errorf("config: leverage %d for %s outside [1,100]", s.Leverage, s.Symbol)
		}
		if s.Leverage > s.MaxLeverage {
			return fmt.Errorf("config: leverage %d for %s exceeds symbol max %d", s.Leverage, s.Symbol, s.MaxLeverage)
		}
		// Fail closed: a traded symbol without an explicit size band is a
		// configuration error, not a default.
		if s.PositionSizeMin <= 0 || s.PositionSizeStandard <= 0 || s.PositionSizeMax <= 0 {
			return fmt.Errorf("config: POSITION_SIZE_RANGE missing for %s", s.Symbol)
		}
		if s.PositionSizeMin > s.PositionSizeStandard || s.PositionSizeStandard > s.PositionSizeMax || s.PositionSizeMax > 1 {
			return fmt.Errorf("config: POSITION_SIZE_RANGE for %s must satisfy 0 < min <= standard <= max <= 1", s.Symbol)
		}
		if s.MaxPositions < 1 {
			return fmt.Errorf("config: MAX_POSITIONS for %s must be >= 1", s.Symbol)
		}
		weightSum += s.PortfolioWeight
	}
	if math.Abs(weightSum-1.0) > 0.01 {
		return fmt.Errorf("config: PORTFOLIO_WEIGHTS sum to %.4f, want 1.0 +/- 0.01", weightSum)
	}

	if c.RiskConfig.MaxTotalAllocation <= 0 || c.RiskConfig.MaxTotalAllocation > 1.0 {
		return fmt.Errorf("config: MAX_TOTAL_ALLOCATION must be in (0,1], got %.2f", c.RiskConfig.MaxTotalAllocation)
	}
	if c.RiskConfig.KellyFraction <= 0 || c.RiskConfig.KellyFraction > 1.0 {
		return fmt.Errorf("config: KELLY_FRACTION must be in (0,1], got %.2f", c.RiskConfig.KellyFraction)
	}
	if c.RiskConfig.DailyLossLimit <= 0 || c.RiskConfig.WeeklyLossLimit <= 0 {
		return fmt.Errorf("config: loss limits must be positive")
	}

	if !c.ExchangeConfig.PaperTrading && !c.VaultConfig.Enabled {
		if c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "" {
			return fmt.Errorf("config: exchange credentials required unless PAPER_TRADING=true")
		}
	}

	if c.ServerConfig.JWTSecret == "" {
		return fmt.Errorf("config: API_JWT_SECRET is required for the control API")
	}

	if c.NewsConfig.Enabled {
		for _, f := range c.NewsConfig.Feeds {
			if f.Reliability < 0 || f.Reliability > 1 {
				return fmt.Errorf("config: feed %s reliability %.2f outside [0,1]", f.Name, f.Reliability)
			}
		}
	}

	return nil
}

// SymbolParams returns the parameters for a symbol, nil if not configured.
func (c *Config) SymbolParams(symbol string) *SymbolParams {
	for _, s := range c.Symbols {
		if s.Symbol == symbol {
			return s
		}
	}
	return nil
}

// defaultFeedSpec is name|url|reliability|weight, semicolon separated.
const defaultFeedSpec = "coindesk|https://www.coindesk.com/arc/outboundfeeds/rss/|0.9|0.9;" +
	"cointelegraph|https://cointelegraph.com/rss|0.8|0.8;" +
	"decrypt|https://decrypt.co/feed|0.7|0.7"

func parseFeeds(spec string) []FeedConfig {
	feeds := make([]FeedConfig, 0, 4)
	for _, part := range strings.Split(spec, ";") {
		fields := strings.Split(strings.TrimSpace(part), "|")
		if len(fields) != 4 {
			continue
		}
		rel, err1 := strconv.ParseFloat(fields[2], 64)
		w, err2 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		feeds = append(feeds, FeedConfig{
			Name:        fields[0],
			URL:         fields[1],
			Reliability: rel,
			Weight:      w,
		})
	}
	return feeds
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
