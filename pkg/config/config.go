package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the options core.
type Config struct {
	Port string
	// APIJWTSecret signs operator tokens for mutating API endpoints.
	// Empty disables those endpoints.
	APIJWTSecret string

	// Execution
	PaperTrading       bool
	PaperInitialMargin float64

	// Database
	DBPath      string
	PaperDBPath string

	// Feed
	FeedURL             string
	FeedAPIKey          string
	FeedClientCode      string
	FeedReconnectMax    int
	FeedHeartbeatWindow time.Duration
	InstrumentsPath     string

	// Signal engine
	EMAPeriod           int
	RSIPeriod           int
	MomentumWindow      int     // ticks for the short percent-change check
	MomentumThreshold   float64 // percent, e.g. 0.3
	RSIBullishFloor     float64
	RSIBullishCeil      float64
	RSIBearishFloor     float64
	RSIBearishCeil      float64
	ConfidenceThreshold float64
	BufferSize          int
	CooldownMinutes     int

	// Prediction service. Empty URL runs the engine on local
	// indicators alone.
	PredictURL     string
	PredictTimeout time.Duration

	// Broker gateway (live trading)
	BrokerBaseURL      string
	BrokerAPIKey       string
	BrokerAPISecret    string
	BrokerClientCode   string
	MarginSyncInterval time.Duration

	// Order lifecycle
	TargetPct               float64 // e.g. 0.15 = +15%
	StopLossPct             float64 // e.g. 0.15 = -15%
	ReconcileInterval       time.Duration
	StatusProbeAfter        time.Duration // individual status lookup for long-FILLED orders
	BrokerCallTimeout       time.Duration
	BrokerRequestsPerSecond float64

	// Risk
	MaxDailyLoss       float64
	MaxWeeklyLoss      float64
	MaxActivePositions int
	MaxCorrelated      int
	RiskScoreCeiling   float64
	MarginRate         float64

	// Ledger
	LedgerResetHour int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		APIJWTSecret:        os.Getenv("API_JWT_SECRET"),
		PaperTrading:        getEnv("PAPER_TRADING", "true") == "true",
		PaperInitialMargin:  getEnvFloat("PAPER_INITIAL_MARGIN", 200000),
		DBPath:              getEnv("DB_PATH", "./data/options.db"),
		PaperDBPath:         getEnv("PAPER_DB_PATH", "./data/options_paper.db"),
		FeedURL:             getEnv("FEED_URL", "wss://smartapisocket.angelone.in/smart-stream"),
		FeedAPIKey:          os.Getenv("FEED_API_KEY"),
		FeedClientCode:      os.Getenv("FEED_CLIENT_CODE"),
		FeedReconnectMax:    getEnvInt("FEED_RECONNECT_MAX", 10),
		FeedHeartbeatWindow: getEnvDuration("FEED_HEARTBEAT_WINDOW", 60*time.Second),
		InstrumentsPath:     getEnv("INSTRUMENTS_PATH", "instruments.yaml"),

		EMAPeriod:           getEnvInt("SIGNAL_EMA_PERIOD", 20),
		RSIPeriod:           getEnvInt("SIGNAL_RSI_PERIOD", 14),
		MomentumWindow:      getEnvInt("SIGNAL_MOMENTUM_WINDOW", 5),
		MomentumThreshold:   getEnvFloat("SIGNAL_MOMENTUM_THRESHOLD", 0.3),
		RSIBullishFloor:     getEnvFloat("SIGNAL_RSI_BULL_FLOOR", 55),
		RSIBullishCeil:      getEnvFloat("SIGNAL_RSI_BULL_CEIL", 75),
		RSIBearishFloor:     getEnvFloat("SIGNAL_RSI_BEAR_FLOOR", 25),
		RSIBearishCeil:      getEnvFloat("SIGNAL_RSI_BEAR_CEIL", 45),
		ConfidenceThreshold: getEnvFloat("SIGNAL_CONFIDENCE_THRESHOLD", 65),
		BufferSize:          getEnvInt("SIGNAL_BUFFER_SIZE", 50),
		CooldownMinutes:     getEnvInt("SIGNAL_COOLDOWN_MINUTES", 5),

		PredictURL:     os.Getenv("PREDICT_SERVICE_URL"),
		PredictTimeout: getEnvDuration("PREDICT_TIMEOUT", 2*time.Second),

		BrokerBaseURL:      getEnv("BROKER_BASE_URL", "https://apiconnect.angelone.in/rest"),
		BrokerAPIKey:       os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret:    os.Getenv("BROKER_API_SECRET"),
		BrokerClientCode:   os.Getenv("BROKER_CLIENT_CODE"),
		MarginSyncInterval: getEnvDuration("BROKER_MARGIN_SYNC_INTERVAL", 30*time.Second),

		TargetPct:               getEnvFloat("ORDER_TARGET_PCT", 0.15),
		StopLossPct:             getEnvFloat("ORDER_STOPLOSS_PCT", 0.15),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", 3*time.Second),
		StatusProbeAfter:        getEnvDuration("STATUS_PROBE_AFTER", 2*time.Minute),
		BrokerCallTimeout:       getEnvDuration("BROKER_CALL_TIMEOUT", 20*time.Second),
		BrokerRequestsPerSecond: getEnvFloat("BROKER_RPS", 3),

		MaxDailyLoss:       getEnvFloat("RISK_MAX_DAILY_LOSS", 5000),
		MaxWeeklyLoss:      getEnvFloat("RISK_MAX_WEEKLY_LOSS", 15000),
		MaxActivePositions: getEnvInt("RISK_MAX_ACTIVE_POSITIONS", 3),
		MaxCorrelated:      getEnvInt("RISK_MAX_CORRELATED", 1),
		RiskScoreCeiling:   getEnvFloat("RISK_SCORE_CEILING", 80),
		MarginRate:         getEnvFloat("RISK_MARGIN_RATE", 1.0),

		LedgerResetHour: getEnvInt("LEDGER_RESET_HOUR", 0),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
