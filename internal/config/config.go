package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Chain     ChainConfig
	Paymaster PaymasterConfig
	Oracle    OracleConfig
	Uniswap   UniswapConfig
	Redis     RedisConfig
	Server    ServerConfig
}

type ChainConfig struct {
	Name              string `mapstructure:"name"`
	Currency          string `mapstructure:"currency"`
	ChainID           int64  `mapstructure:"chain_id"`
	EntryPointAddress string `mapstructure:"entrypoint_address"`
}

type PaymasterConfig struct {
	Address              string `mapstructure:"address"`
	PriceMarkup          string `mapstructure:"price_markup"`           // 1e26-scaled, >= 1e26
	MinEntryPointBalance string `mapstructure:"min_entrypoint_balance"` // wei
	RefundPostopCost     uint64 `mapstructure:"refund_postop_cost"`     // gas units
	PriceMaxAgeSec       int64  `mapstructure:"price_max_age_sec"`
}

type OracleConfig struct {
	TokenPrice         string `mapstructure:"token_price"`  // 1e8-scaled
	NativePrice        string `mapstructure:"native_price"` // 1e8-scaled
	TokenReverse       bool   `mapstructure:"token_reverse"`
	NativeReverse      bool   `mapstructure:"native_reverse"`
	TokenToNative      bool   `mapstructure:"token_to_native"`
	UpdateThresholdBps uint64 `mapstructure:"update_threshold_bps"`
	CacheTTLSec        int64  `mapstructure:"cache_ttl_sec"`
}

type UniswapConfig struct {
	MinSwapAmount string `mapstructure:"min_swap_amount"` // token units
	PoolFee       uint32 `mapstructure:"pool_fee"`
	SlippageBps   uint64 `mapstructure:"slippage_bps"`
	IntervalSec   int64  `mapstructure:"interval_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.name", "ethereum")
	v.SetDefault("chain.currency", "usdc")
	v.SetDefault("paymaster.price_markup", "100000000000000000000000000") // 1e26 = no markup
	v.SetDefault("paymaster.refund_postop_cost", 40000)
	v.SetDefault("paymaster.price_max_age_sec", 240)
	v.SetDefault("oracle.token_price", "100000000")  // 1.0
	v.SetDefault("oracle.native_price", "100000000") // 1.0
	v.SetDefault("oracle.update_threshold_bps", 25)
	v.SetDefault("oracle.cache_ttl_sec", 60)
	v.SetDefault("uniswap.min_swap_amount", "1000000")
	v.SetDefault("uniswap.pool_fee", 3000)
	v.SetDefault("uniswap.slippage_bps", 50)
	v.SetDefault("uniswap.interval_sec", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.name":                       "CHAIN_NAME",
		"chain.currency":                   "CHAIN_CURRENCY",
		"chain.chain_id":                   "CHAIN_ID",
		"chain.entrypoint_address":         "ENTRYPOINT_ADDRESS",
		"paymaster.address":                "PAYMASTER_ADDRESS",
		"paymaster.price_markup":           "PRICE_MARKUP",
		"paymaster.min_entrypoint_balance": "MIN_ENTRYPOINT_BALANCE",
		"paymaster.refund_postop_cost":     "REFUND_POSTOP_COST",
		"paymaster.price_max_age_sec":      "PRICE_MAX_AGE_SEC",
		"oracle.token_price":               "ORACLE_TOKEN_PRICE",
		"oracle.native_price":              "ORACLE_NATIVE_PRICE",
		"oracle.token_reverse":             "ORACLE_TOKEN_REVERSE",
		"oracle.native_reverse":            "ORACLE_NATIVE_REVERSE",
		"oracle.token_to_native":           "ORACLE_TOKEN_TO_NATIVE",
		"oracle.update_threshold_bps":      "ORACLE_UPDATE_THRESHOLD_BPS",
		"oracle.cache_ttl_sec":             "ORACLE_CACHE_TTL_SEC",
		"uniswap.min_swap_amount":          "UNISWAP_MIN_SWAP_AMOUNT",
		"uniswap.pool_fee":                 "UNISWAP_POOL_FEE",
		"uniswap.slippage_bps":             "UNISWAP_SLIPPAGE_BPS",
		"uniswap.interval_sec":             "UNISWAP_INTERVAL_SEC",
		"redis.addr":                       "REDIS_ADDR",
		"redis.password":                   "REDIS_PASSWORD",
		"server.port":                      "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.EntryPointAddress, "ENTRYPOINT_ADDRESS"},
		{c.Paymaster.Address, "PAYMASTER_ADDRESS"},
		{c.Paymaster.MinEntryPointBalance, "MIN_ENTRYPOINT_BALANCE"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for _, amt := range []req{
		{c.Paymaster.PriceMarkup, "PRICE_MARKUP"},
		{c.Paymaster.MinEntryPointBalance, "MIN_ENTRYPOINT_BALANCE"},
		{c.Uniswap.MinSwapAmount, "UNISWAP_MIN_SWAP_AMOUNT"},
		{c.Oracle.TokenPrice, "ORACLE_TOKEN_PRICE"},
		{c.Oracle.NativePrice, "ORACLE_NATIVE_PRICE"},
	} {
		if _, ok := new(big.Int).SetString(amt.val, 10); !ok {
			return fmt.Errorf("invalid integer for %s: %q", amt.name, amt.val)
		}
	}
	return nil
}
