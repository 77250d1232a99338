// Package config loads the process configuration once at startup.
//
// Sources, lowest precedence first: built-in defaults, the YAML file, then
// environment variables. Every key can be overridden as TRADER_<SECTION>_<KEY>
// (e.g. TRADER_TRADING_CAPITAL_PER_TRADE). Broker and Telegram credentials
// also accept their conventional names (ALPACA_API_KEY, TELEGRAM_BOT_TOKEN).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "TRADER"

// Conventional credential variables bound next to the TRADER_ names.
var aliases = map[string][]string{
	"broker.api_key":          {"ALPACA_API_KEY", "APCA_API_KEY_ID"},
	"broker.api_secret":       {"ALPACA_SECRET_KEY", "APCA_API_SECRET_KEY"},
	"broker.base_url":         {"ALPACA_BASE_URL", "APCA_API_BASE_URL"},
	"alerts.telegram_token":   {"TELEGRAM_BOT_TOKEN"},
	"alerts.telegram_chat_id": {"TELEGRAM_CHAT_ID"},
	"alerts.proxy_url":        {"HTTPS_PROXY"},
}

var (
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// LoadDotEnv loads KEY=VALUE pairs from files into the environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from path. An empty path uses defaults and
// environment only; a missing explicit file is an error.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := types.DefaultConfig()
	if err := bindEnv(v, reflect.TypeOf(cfg), ""); err != nil {
		return nil, err
	}
	for key, names := range aliases {
		args := append([]string{key, envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		DecimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers every leaf key so AutomaticEnv can see keys that are
// absent from the file.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type != decimalType {
			if err := bindEnv(v, f.Type, key); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// DecimalHook decodes strings and numbers into decimal.Decimal.
func DecimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			s := strings.TrimSpace(val)
			if s == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", val, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(val), nil
		case float32:
			return decimal.NewFromFloat32(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case uint:
			return decimal.RequireFromString(strconv.FormatUint(uint64(val), 10)), nil
		case uint64:
			return decimal.RequireFromString(strconv.FormatUint(val, 10)), nil
		}
		return data, nil
	}
}

// normalize undoes viper's key lower-casing for symbol maps and tidies lists.
func normalize(cfg *types.Config) {
	cfg.Trading.Symbols = upperList(cfg.Trading.Symbols)
	cfg.Trading.ExpectedReturns = upperKeys(cfg.Trading.ExpectedReturns)
	cfg.Broker.PaperQuotes = upperKeys(cfg.Broker.PaperQuotes)
	cfg.Trading.RegimeSymbol = strings.ToUpper(cfg.Trading.RegimeSymbol)
	cfg.Trading.VIXSymbol = strings.ToUpper(cfg.Trading.VIXSymbol)
	cfg.Trading.HedgeSymbol = strings.ToUpper(cfg.Trading.HedgeSymbol)
	cfg.Broker.Kind = strings.ToLower(cfg.Broker.Kind)
}

func upperList(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func upperKeys(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}
