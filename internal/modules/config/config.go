package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"tpsl_keeper/internal/models"
)

const (
	configFilePathENV = "CONFIG_FILE"
	envPrefix         = "KEEPER"
)

type Credentials struct {
	APIKey     string `yaml:"api_key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase"`
}

func (c Credentials) Empty() bool { return c.APIKey == "" || c.Secret == "" || c.Passphrase == "" }

type LevelConfig struct {
	Percent     float64 `yaml:"percent"`
	DistancePct float64 `yaml:"distance_pct"` // отступ цены TP от входа, %
}

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB      string `yaml:"db_dsn"`
	Service struct {
		Host      string `yaml:"host"`
		AdminPort int    `yaml:"admin_port"`
	} `yaml:"service"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		AgentHost   string `yaml:"agent_host"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	OKX struct {
		BaseURL   string  `yaml:"base_url"`
		WSURL     string  `yaml:"ws_url"`
		Simulated bool    `yaml:"simulated"`
		RateLimit float64 `yaml:"rate_limit"` // запросов в секунду на аккаунт
		Burst     int     `yaml:"burst"`
		// OKX не отдаёт минимальный номинал, задаём сами (USDT)
		MinNotional float64     `yaml:"min_notional"`
		Primary     Credentials `yaml:"primary"`
		Mirror      Credentials `yaml:"mirror"`
	} `yaml:"okx"`

	Monitor struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		CallTimeout   time.Duration `yaml:"call_timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		LevelBandPct  float64       `yaml:"level_band_pct"`
	} `yaml:"monitor"`

	Ladder struct {
		Levels             []LevelConfig `yaml:"levels"`
		StopDistancePct    float64       `yaml:"stop_distance_pct"`
		BreakevenOnFirstTP bool          `yaml:"breakeven_on_first_tp"`
	} `yaml:"ladder"`

	Mirror struct {
		Enabled        bool          `yaml:"enabled"`
		Ratio          float64       `yaml:"ratio"` // 0 — вывести по открытым позициям
		TolerancePct   float64       `yaml:"tolerance_pct"`
		MaxCorrections int           `yaml:"max_corrections"`
		Cooldown       time.Duration `yaml:"cooldown"`
		SuspendFor     time.Duration `yaml:"suspend_for"`
	} `yaml:"mirror"`

	Store struct {
		Path        string `yaml:"path"`
		BackupDir   string `yaml:"backup_dir"`
		KeepBackups int    `yaml:"keep_backups"`
	} `yaml:"store"`
}

func defaults() Config {
	var c Config
	c.Service.AdminPort = 8080
	c.Log.Level = "info"
	c.Tracing.AgentHost = "localhost:6831"
	c.Tracing.ServiceName = "tpsl-keeper"
	c.OKX.BaseURL = "https://www.okx.com"
	c.OKX.WSURL = "wss://ws.okx.com:8443/ws/v5/private"
	c.OKX.RateLimit = 10
	c.OKX.Burst = 5
	c.Monitor.PollInterval = 10 * time.Second
	c.Monitor.CallTimeout = 8 * time.Second
	c.Monitor.SweepInterval = 30 * time.Second
	c.Monitor.LevelBandPct = 5
	c.Ladder.Levels = []LevelConfig{
		{Percent: 85, DistancePct: 1},
		{Percent: 5, DistancePct: 2},
		{Percent: 5, DistancePct: 3},
		{Percent: 5, DistancePct: 4},
	}
	c.Ladder.StopDistancePct = 2
	c.Mirror.TolerancePct = 0.5
	c.Mirror.MaxCorrections = 6
	c.Mirror.Cooldown = 10 * time.Minute
	c.Mirror.SuspendFor = 30 * time.Minute
	c.Store.Path = "data/monitors.json"
	c.Store.BackupDir = "data/backups"
	c.Store.KeepBackups = 20
	return c
}

// NewConfig читает YAML из configs/ (имя файла — из CONFIG_FILE) и
// накладывает переменные окружения KEEPER_*.
func NewConfig() (*Config, error) {
	name := os.Getenv(configFilePathENV)
	if name == "" {
		name = "values_local.yaml"
	}
	path := name
	if !strings.ContainsRune(name, os.PathSeparator) {
		path = "configs/" + name
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	config := defaults()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv — секреты и DSN обычно приходят из окружения, а не из файла.
func applyEnv(c *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	_ = v.BindEnv("telegram_token", envPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_TOKEN")
	_ = v.BindEnv("db_dsn", envPrefix+"_DB_DSN", "DATABASE_DSN")

	setString(v, "telegram_token", &c.Telegram.Token)
	if v.IsSet("telegram_chat_id") {
		c.Telegram.ChatID = v.GetInt64("telegram_chat_id")
	}
	setString(v, "db_dsn", &c.DB)
	setString(v, "log_level", &c.Log.Level)
	setString(v, "store_path", &c.Store.Path)

	setString(v, "okx_primary_api_key", &c.OKX.Primary.APIKey)
	setString(v, "okx_primary_secret", &c.OKX.Primary.Secret)
	setString(v, "okx_primary_passphrase", &c.OKX.Primary.Passphrase)
	setString(v, "okx_mirror_api_key", &c.OKX.Mirror.APIKey)
	setString(v, "okx_mirror_secret", &c.OKX.Mirror.Secret)
	setString(v, "okx_mirror_passphrase", &c.OKX.Mirror.Passphrase)
}

func setString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func (c *Config) Validate() error {
	if c.Monitor.PollInterval <= 0 || c.Monitor.SweepInterval <= 0 || c.Monitor.CallTimeout <= 0 {
		return fmt.Errorf("config: monitor intervals must be positive")
	}
	if len(c.Ladder.Levels) == 0 {
		return fmt.Errorf("config: ladder.levels is empty")
	}
	sum := decimal.Zero
	for i, l := range c.Ladder.Levels {
		if l.Percent <= 0 {
			return fmt.Errorf("config: ladder level %d percent must be positive", i+1)
		}
		sum = sum.Add(decimal.NewFromFloat(l.Percent))
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("config: ladder level percents sum to %s, want 100", sum)
	}
	if c.Mirror.Ratio < 0 {
		return fmt.Errorf("config: mirror.ratio must be >= 0")
	}
	if c.Mirror.Enabled && (c.Mirror.Cooldown <= 0 || c.Mirror.SuspendFor <= 0) {
		return fmt.Errorf("config: mirror.cooldown and mirror.suspend_for must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	return nil
}

// LadderPlan — план ладдера по умолчанию в доменных типах.
func (c *Config) LadderPlan() models.LadderPlan {
	plan := models.LadderPlan{StopDistancePct: decimal.NewFromFloat(c.Ladder.StopDistancePct)}
	for _, l := range c.Ladder.Levels {
		plan.Levels = append(plan.Levels, models.LevelPlan{
			Percent:     decimal.NewFromFloat(l.Percent),
			DistancePct: decimal.NewFromFloat(l.DistancePct),
		})
	}
	return plan
}

// MirrorRatio — заданный в конфиге коэффициент; невалиден, если нужно выводить.
func (c *Config) MirrorRatio() decimal.NullDecimal {
	if c.Mirror.Ratio <= 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(c.Mirror.Ratio))
}
