package config

import (
	"encoding/json"
	"fmt"
	"grid-trading-engine/internal/models"
	"os"
	"strings"
)

// LoadConfig 从指定路径加载JSON配置文件，补齐默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回一份仅包含默认值的配置
func Default() *models.Config {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.LedgerDBPath == "" {
		cfg.LedgerDBPath = "data/ledger.db"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "data/strategies"
	}
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "paper"
	}
	if cfg.Broker.QuoteAsset == "" {
		cfg.Broker.QuoteAsset = "USDT"
	}
	if cfg.Broker.PaperCash <= 0 {
		cfg.Broker.PaperCash = 10000
	}
	if cfg.Grid.DefaultRangePercent <= 0 {
		cfg.Grid.DefaultRangePercent = 0.20
	}

	pm := &cfg.PriceMonitor
	if pm.IntervalSec <= 0 {
		pm.IntervalSec = 180
	}
	if pm.MaxOrdersPerCycle <= 0 {
		pm.MaxOrdersPerCycle = 5
	}
	if pm.MaxConsecutiveErrors <= 0 {
		pm.MaxConsecutiveErrors = 5
	}
	if pm.CooldownSec <= 0 {
		pm.CooldownSec = 300
	}

	fm := &cfg.FillMonitor
	if fm.IntervalSec <= 0 {
		fm.IntervalSec = 10
	}
	if fm.LookbackDays <= 0 {
		fm.LookbackDays = 7
	}
	if fm.StaleThreshold <= 0 {
		fm.StaleThreshold = 5
	}
	if fm.ListLimit <= 0 {
		fm.ListLimit = 500
	}

	if cfg.Reactor.SpotSellRearm == "" {
		cfg.Reactor.SpotSellRearm = models.RearmSameLevel
		cfg.Reactor.SpotBuyArmsSell = true
	}

	rt := &cfg.Realtime
	if rt.WSURL == "" {
		if cfg.Broker.IsTestnet {
			rt.WSURL = "wss://stream.testnet.binance.vision"
		} else {
			rt.WSURL = "wss://stream.binance.com:9443"
		}
	}
	if rt.PingIntervalSec <= 0 {
		rt.PingIntervalSec = 54
	}
	if rt.PongTimeoutSec <= 0 {
		rt.PongTimeoutSec = 60
	}
	if rt.ReconnectDelaySec <= 0 {
		rt.ReconnectDelaySec = 5
	}

	sc := &cfg.Scheduler
	if sc.GridIntervalSec <= 0 {
		sc.GridIntervalSec = 300
	}
	if sc.DCAIntervalSec <= 0 {
		sc.DCAIntervalSec = 3600
	}
	if sc.ReloadIntervalSec <= 0 {
		sc.ReloadIntervalSec = 300
	}

	if cfg.Notify.BufferSize <= 0 {
		cfg.Notify.BufferSize = 256
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置中无法自动修正的错误
func Validate(cfg *models.Config) error {
	switch strings.ToLower(cfg.Broker.Name) {
	case "binance", "paper":
	default:
		return fmt.Errorf("未知的交易通道: %q", cfg.Broker.Name)
	}

	switch cfg.Reactor.SpotSellRearm {
	case models.RearmSameLevel, models.RearmLevelBelow:
	default:
		return fmt.Errorf("reactor.spot_sell_rearm 必须是 same_level 或 level_below, 当前为 %q", cfg.Reactor.SpotSellRearm)
	}

	if cfg.Grid.DefaultRangePercent >= 1 {
		return fmt.Errorf("grid.default_range_percent 必须小于 1, 当前为 %v", cfg.Grid.DefaultRangePercent)
	}

	seen := make(map[string]bool)
	for i, acc := range cfg.Accounts {
		if acc.UserID == "" {
			return fmt.Errorf("accounts[%d] 缺少 user_id", i)
		}
		if seen[acc.UserID] {
			return fmt.Errorf("accounts[%d] 的 user_id %q 重复", i, acc.UserID)
		}
		seen[acc.UserID] = true
		if strings.EqualFold(cfg.Broker.Name, "binance") && (acc.APIKeyEnv == "" || acc.SecretKeyEnv == "") {
			return fmt.Errorf("accounts[%d] 需要 api_key_env 和 secret_key_env", i)
		}
	}

	if (cfg.LogConfig.Output == "file" || cfg.LogConfig.Output == "both") && cfg.LogConfig.File == "" {
		return fmt.Errorf("日志输出到文件时必须设置 log.file")
	}
	return nil
}
