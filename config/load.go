package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"grid-bot-go/gateway"
	"grid-bot-go/infrastructure/logger"
	"grid-bot-go/strategy"
)

// RunTarget 取值。
const (
	RunTargetJoin = "join" // 正常参与：每个 tick 对账
	RunTargetQuit = "quit" // 退出：撤掉全部挂单后停止调度
)

// 账本持久化后端。
const (
	CacheTypeFile   = "file"
	CacheTypeMem    = "mem"
	CacheTypeSQLite = "sqlite"
)

// strategyId 进 clientOrderId，不允许出现字段分隔符下划线。
var strategyIDPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env            string           `yaml:"env"`
	Gateway        GatewayConfig    `yaml:"gateway"`
	Log            logger.Config    `yaml:"log"`
	MetricsAddr    string           `yaml:"metricsAddr"`
	TickIntervalMs int              `yaml:"tickIntervalMs"`
	Strategies     []StrategyConfig `yaml:"strategies"`
}

type GatewayConfig struct {
	APIKey     string  `yaml:"apiKey"`
	APISecret  string  `yaml:"apiSecret"`
	BaseURL    string  `yaml:"baseURL"`
	WSEndpoint string  `yaml:"wsEndpoint"`
	TradeFee   float64 `yaml:"tradeFee"`
	RestRate   float64 `yaml:"restRate"`  // REST 请求速率（次/秒）
	RestBurst  int     `yaml:"restBurst"` // 令牌桶突发容量
}

// StrategyConfig 单个网格策略实例的全部参数。
type StrategyConfig struct {
	StrategyID       string  `yaml:"strategyId"`
	ClientType       string  `yaml:"clientType"` // spot 或 futures
	TargetSymbol     string  `yaml:"targetSymbol"`
	BaseSymbol       string  `yaml:"baseSymbol"`
	LowBound         float64 `yaml:"lowBound"`
	UpBound          float64 `yaml:"upBound"`
	TotalCash        float64 `yaml:"totalCash"`
	GridNum          int     `yaml:"gridNum"`
	PriceRoundNum    int     `yaml:"priceRoundNum"`
	QuantityRoundNum int     `yaml:"quantityRoundNum"`
	SellGreedyX      float64 `yaml:"sellGreedyX"`
	BuyGreedyX       float64 `yaml:"buyGreedyX"`
	GridMode         string  `yaml:"gridMode"`  // equal_percent 或 equal_delta
	RunTarget        string  `yaml:"runTarget"` // join 或 quit
	CacheType        string  `yaml:"cacheType"` // file、mem 或 sqlite
	CachePath        string  `yaml:"cachePath"` // file: 目录；sqlite: 数据库文件
}

// Params 转换为策略参数。
func (s StrategyConfig) Params() strategy.Params {
	return strategy.Params{
		StrategyID:       s.StrategyID,
		LowBound:         s.LowBound,
		UpBound:          s.UpBound,
		TotalCash:        s.TotalCash,
		GridNum:          s.GridNum,
		TargetSymbol:     s.TargetSymbol,
		BaseSymbol:       s.BaseSymbol,
		PriceRoundNum:    s.PriceRoundNum,
		QuantityRoundNum: s.QuantityRoundNum,
		SellGreedyX:      s.SellGreedyX,
		BuyGreedyX:       s.BuyGreedyX,
		GridMode:         strategy.GridMode(s.GridMode),
	}
}

// Symbol 交易对名，如 BTCUSDT。
func (s StrategyConfig) Symbol() string { return s.TargetSymbol + s.BaseSymbol }

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("GRIDBOT_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GRIDBOT_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9100"
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = 2000
	}
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if s.ClientType == "" {
			s.ClientType = gateway.ClientTypeSpot
		}
		if s.SellGreedyX == 0 {
			s.SellGreedyX = 1.0
		}
		if s.BuyGreedyX == 0 {
			s.BuyGreedyX = 1.0
		}
		if s.GridMode == "" {
			s.GridMode = string(strategy.GridModeEqualPercent)
		}
		if s.RunTarget == "" {
			s.RunTarget = RunTargetJoin
		}
		if s.CacheType == "" {
			s.CacheType = CacheTypeFile
		}
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
		return fmt.Errorf("gateway.apiKey/apiSecret is required (or env overrides)")
	}
	if len(cfg.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]bool, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if !strategyIDPattern.MatchString(s.StrategyID) {
			return fmt.Errorf("strategyId %q must match %s", s.StrategyID, strategyIDPattern)
		}
		if seen[s.StrategyID] {
			return fmt.Errorf("duplicate strategyId %q", s.StrategyID)
		}
		seen[s.StrategyID] = true
		if s.ClientType != gateway.ClientTypeSpot && s.ClientType != gateway.ClientTypeFutures {
			return fmt.Errorf("strategy %s: unknown clientType %q", s.StrategyID, s.ClientType)
		}
		if s.TargetSymbol == "" || s.BaseSymbol == "" {
			return fmt.Errorf("strategy %s: targetSymbol/baseSymbol is required", s.StrategyID)
		}
		if s.TotalCash <= 0 {
			return fmt.Errorf("strategy %s: totalCash must be > 0", s.StrategyID)
		}
		if s.GridNum < 1 {
			return fmt.Errorf("strategy %s: gridNum must be >= 1", s.StrategyID)
		}
		if s.LowBound <= 0 || s.UpBound <= s.LowBound {
			return fmt.Errorf("strategy %s: need 0 < lowBound < upBound", s.StrategyID)
		}
		if s.PriceRoundNum < 0 || s.QuantityRoundNum < 0 {
			return fmt.Errorf("strategy %s: round digits must be >= 0", s.StrategyID)
		}
		switch s.GridMode {
		case string(strategy.GridModeEqualPercent), string(strategy.GridModeEqualDelta):
		default:
			return fmt.Errorf("strategy %s: unknown gridMode %q", s.StrategyID, s.GridMode)
		}
		switch s.RunTarget {
		case RunTargetJoin, RunTargetQuit:
		default:
			return fmt.Errorf("strategy %s: unknown runTarget %q", s.StrategyID, s.RunTarget)
		}
		switch s.CacheType {
		case CacheTypeFile, CacheTypeMem, CacheTypeSQLite:
		default:
			return fmt.Errorf("strategy %s: unknown cacheType %q", s.StrategyID, s.CacheType)
		}
	}
	return nil
}
