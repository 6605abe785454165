package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	Mode     string `yaml:"mode"` // "sim" or "live"

	CycleInterval time.Duration `yaml:"cycle_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Rollout  RolloutConfig  `yaml:"rollout"`
	Stats    StatsConfig    `yaml:"stats"`
	Rollback RollbackConfig `yaml:"rollback"`
	Store    StoreConfig    `yaml:"store"`
	Telegram TelegramConfig `yaml:"telegram"`
	API      APIConfig      `yaml:"api"`
}

type PipelineConfig struct {
	MaxConcurrentTests int           `yaml:"max_concurrent_tests"`
	MinPriorityScore   float64       `yaml:"min_priority_score"`
	SuggestionBatch    int           `yaml:"suggestion_batch"`
	RetentionDays      int           `yaml:"retention_days"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
}

type ShadowConfig struct {
	MinDuration        time.Duration `yaml:"min_duration"`
	MinSignals         int           `yaml:"min_signals"`
	MinTrades          int           `yaml:"min_trades"`
	Instruments        []string      `yaml:"instruments"`
	SlippageBps        float64       `yaml:"slippage_bps"`
	CommissionBps      float64       `yaml:"commission_bps"`
	MinImprovementPct  float64       `yaml:"min_improvement_pct"`
	MaxDrawdownPct     float64       `yaml:"max_drawdown_pct"`
	MaxRiskScore       float64       `yaml:"max_risk_score"`
	BaselineExpectancy float64       `yaml:"baseline_expectancy"`
}

type RolloutConfig struct {
	Stages            []int         `yaml:"stages"`
	MinStageDuration  time.Duration `yaml:"min_stage_duration"`
	MinStageTrades    int           `yaml:"min_stage_trades"`
	MinBalanceUSD     float64       `yaml:"min_balance_usd"`
	MaxTradeCountSkew float64       `yaml:"max_trade_count_skew"`
	MinImprovementPct float64       `yaml:"min_improvement_pct"`
}

type StatsConfig struct {
	Alpha         float64 `yaml:"alpha"`
	Confidence    float64 `yaml:"confidence"`
	MinSampleSize int     `yaml:"min_sample_size"`
	MinEffectSize float64 `yaml:"min_effect_size"`
	OutlierZScore float64 `yaml:"outlier_z_score"`
	Bonferroni    bool    `yaml:"bonferroni"`
}

type RollbackConfig struct {
	WarningPct   float64 `yaml:"warning_pct"`   // relative improvement, e.g. -0.05
	RollbackPct  float64 `yaml:"rollback_pct"`  // e.g. -0.10
	EmergencyPct float64 `yaml:"emergency_pct"` // e.g. -0.20
	DrawdownPct  float64 `yaml:"drawdown_pct"`  // treatment max drawdown, e.g. 0.15

	ConfirmationWindow time.Duration `yaml:"confirmation_window"`
	MinConfirmations   int           `yaml:"min_confirmations"`
	PoorShareRequired  float64       `yaml:"poor_share_required"`

	HighRiskMultiplier float64 `yaml:"high_risk_multiplier"`
	VolatilityTighten  float64 `yaml:"volatility_tighten"`
	VolatilityRatio    float64 `yaml:"volatility_ratio"`

	MinTrades          int           `yaml:"min_trades"`
	MinMonitorDuration time.Duration `yaml:"min_monitor_duration"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	HistoryWindow      time.Duration `yaml:"history_window"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "mysql"
	DSN    string `yaml:"dsn"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Default() Config {
	return Config{
		LogLevel:      "info",
		Mode:          "sim",
		CycleInterval: 30 * time.Minute,
		SweepInterval: time.Minute,
		Pipeline: PipelineConfig{
			MaxConcurrentTests: 3,
			MinPriorityScore:   0.5,
			SuggestionBatch:    10,
			RetentionDays:      90,
			ProviderTimeout:    15 * time.Second,
		},
		Shadow: ShadowConfig{
			MinDuration:        24 * time.Hour,
			MinSignals:         20,
			MinTrades:          10,
			Instruments:        []string{"EURUSD", "GBPUSD", "XAUUSD"},
			SlippageBps:        5,
			CommissionBps:      7,
			MinImprovementPct:  0.02,
			MaxDrawdownPct:     0.10,
			MaxRiskScore:       70,
			BaselineExpectancy: 0.001,
		},
		Rollout: RolloutConfig{
			Stages:            []int{10, 25, 50, 100},
			MinStageDuration:  72 * time.Hour,
			MinStageTrades:    30,
			MinBalanceUSD:     1000,
			MaxTradeCountSkew: 0.5,
			MinImprovementPct: 0.02,
		},
		Stats: StatsConfig{
			Alpha:         0.05,
			Confidence:    0.95,
			MinSampleSize: 30,
			MinEffectSize: 0.2,
			OutlierZScore: 3,
		},
		Rollback: RollbackConfig{
			WarningPct:         -0.05,
			RollbackPct:        -0.10,
			EmergencyPct:       -0.20,
			DrawdownPct:        0.15,
			ConfirmationWindow: 15 * time.Minute,
			MinConfirmations:   3,
			PoorShareRequired:  0.7,
			HighRiskMultiplier: 0.5,
			VolatilityTighten:  0.8,
			VolatilityRatio:    1.5,
			MinTrades:          10,
			MinMonitorDuration: time.Hour,
			CheckInterval:      time.Minute,
			MaxConcurrent:      3,
			HistoryWindow:      24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("CANARY_MODE")); v != "" {
		c.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("CANARY_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("CANARY_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CANARY_STORE_DRIVER")); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("CANARY_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.BotToken = v
		c.Telegram.Enabled = c.Telegram.ChatID != "" || os.Getenv("CANARY_TELEGRAM_CHAT_ID") != ""
	}
	if v := os.Getenv("CANARY_TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("CANARY_API_ADDR"); v != "" {
		c.API.Addr = v
		c.API.Enabled = true
	}
	if v := os.Getenv("CANARY_MAX_CONCURRENT_TESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxConcurrentTests = n
		}
	}
	if v := os.Getenv("CANARY_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.CycleInterval = d
		}
	}
}
