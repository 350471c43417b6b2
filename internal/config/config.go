package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Config holds service configuration loaded from YAML, secrets and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`
	StaticDir  string `validate:"required"`

	PolygonDir   string `validate:"required"`
	PolygonWatch bool

	EarthEngineURL            string `validate:"required,url"`
	EarthEngineProject        string `validate:"required"`
	EarthEngineAccount        string `validate:"required"`
	EarthEnginePrivateKeyFile string `validate:"required"`
	EarthEngineTimeout        time.Duration

	ImageCollection string  `validate:"required"`
	Band            string  `validate:"required"`
	ReferenceStart  string  `validate:"datetime=2006-01-02"`
	ReferenceEnd    string  `validate:"datetime=2006-01-02"`
	SeriesStart     string  `validate:"datetime=2006-01-02"`
	SeriesEnd       string  `validate:"datetime=2006-01-02"`
	ReductionScale  float64 `validate:"gt=0"`
	CountriesAsset  string
	CountryProperty string
	Countries       []string
	VisMin          float64
	VisMax          float64
	VisPalette      []string `validate:"min=1,dive,len=6,hexadecimal"`

	WikiURL string `validate:"required,url"`

	RequestTimeout time.Duration
	CacheTTL       time.Duration `validate:"gt=0"`
	CacheErrorTTL  time.Duration `validate:"gte=0"`
	CacheBackend   string        `validate:"oneof=in_memory memcached redis badger"`

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string `validate:"required_if=CacheBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	RedisTimeout  time.Duration

	BadgerDir string `validate:"required_if=CacheBackend badger"`

	CoalesceEnabled bool
	WarmCache       bool
	WarmInterval    time.Duration
	WarmPolygons    []string
	WarmConcurrency int `validate:"gte=1"`

	RetryAttempts  int `validate:"gte=1"`
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration

	HealthWindow         time.Duration
	DegradedErrorPct     int `validate:"gte=0,lte=100"`
	OverloadThresholdPct int `validate:"gte=0,lte=100"`

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Port      string `yaml:"port"`
		StaticDir string `yaml:"static_dir"`
	} `yaml:"server"`

	Polygons struct {
		Dir   string `yaml:"dir"`
		Watch bool   `yaml:"watch"`
	} `yaml:"polygons"`

	EarthEngine struct {
		URL     string `yaml:"url"`
		Project string `yaml:"project"`
		Timeout string `yaml:"timeout"`
	} `yaml:"earth_engine"`

	Analysis struct {
		ImageCollection string   `yaml:"image_collection"`
		Band            string   `yaml:"band"`
		ReferenceStart  string   `yaml:"reference_start"`
		ReferenceEnd    string   `yaml:"reference_end"`
		SeriesStart     string   `yaml:"series_start"`
		SeriesEnd       string   `yaml:"series_end"`
		ReductionScale  float64  `yaml:"reduction_scale_meters"`
		CountriesAsset  string   `yaml:"countries_asset"`
		CountryProperty string   `yaml:"country_property"`
		Countries       []string `yaml:"countries"`
		Visualization   struct {
			Min     *float64 `yaml:"min"`
			Max     *float64 `yaml:"max"`
			Palette []string `yaml:"palette"`
		} `yaml:"visualization"`
		WikiURL string `yaml:"wiki_url"`
	} `yaml:"analysis"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string  `yaml:"backend"`
		TTL       string  `yaml:"ttl"`
		ErrorTTL  *string `yaml:"error_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
		Badger struct {
			Dir string `yaml:"dir"`
		} `yaml:"badger"`
		Coalesce        bool     `yaml:"coalesce"`
		Warm            bool     `yaml:"warm"`
		WarmInterval    string   `yaml:"warm_interval"`
		WarmPolygons    []string `yaml:"warm_polygons"`
		WarmConcurrency int      `yaml:"warm_concurrency"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Health struct {
		Window               string `yaml:"window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	EarthEngineAccount        string `yaml:"earthengine_account"`
	EarthEnginePrivateKeyFile string `yaml:"earthengine_private_key_file"`
	RedisPassword             string `yaml:"redis_password"`
}

// envOverrides are applied after the YAML file; empty values leave the file value.
type envOverrides struct {
	Port             string `env:"PORT"`
	PolygonDir       string `env:"POLYGON_DIR"`
	CacheBackend     string `env:"CACHE_BACKEND"`
	MemcachedAddrs   string `env:"MEMCACHED_ADDRS"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	BadgerDir        string `env:"BADGER_DIR"`
	EEProject        string `env:"EE_PROJECT"`
	EEAccount        string `env:"EE_ACCOUNT"`
	EEPrivateKeyFile string `env:"EE_PRIVATE_KEY_FILE"`
	EEConfigFile     string `env:"EE_CONFIG_FILE"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml relative to the working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load with an explicit project root.
func LoadFrom(root string) (*Config, error) {
	envName := os.Getenv("ENV_NAME")
	if envName == "" {
		envName = "dev"
	}

	configPath := filepath.Join(root, "config", envName+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := fromFile(&fc)

	if err := applySecrets(cfg, filepath.Join(root, "config", "secrets.yaml")); err != nil {
		return nil, err
	}
	applyEnv(cfg, &ov)

	if cfg.EarthEngineAccount == "" || cfg.EarthEnginePrivateKeyFile == "" {
		credPath := ov.EEConfigFile
		if credPath == "" {
			credPath = DefaultCredentialsFile()
		}
		if err := ApplyCredentialsFile(cfg, credPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if cfg.EarthEngineAccount == "" || cfg.EarthEnginePrivateKeyFile == "" {
		return nil, fmt.Errorf("EE_ACCOUNT and EE_PRIVATE_KEY_FILE required (set env, config/secrets.yaml or an Earth Engine credentials file)")
	}
	if !filepath.IsAbs(cfg.EarthEnginePrivateKeyFile) {
		cfg.EarthEnginePrivateKeyFile = filepath.Join(root, cfg.EarthEnginePrivateKeyFile)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.StaticDir = orDefault(fc.Server.StaticDir, "static")
	cfg.PolygonDir = orDefault(fc.Polygons.Dir, filepath.Join("static", "polygons"))
	cfg.PolygonWatch = fc.Polygons.Watch

	cfg.EarthEngineURL = orDefault(fc.EarthEngine.URL, "https://earthengine.googleapis.com")
	cfg.EarthEngineProject = strings.TrimSpace(fc.EarthEngine.Project)
	cfg.EarthEngineTimeout = parseDurationOrZero(fc.EarthEngine.Timeout, 45*time.Second)

	a := fc.Analysis
	cfg.ImageCollection = orDefault(a.ImageCollection, "MODIS/MYD13A1")
	cfg.Band = orDefault(a.Band, "EVI")
	cfg.ReferenceStart = orDefault(a.ReferenceStart, "2000-01-01")
	cfg.ReferenceEnd = orDefault(a.ReferenceEnd, "2011-12-31")
	cfg.SeriesStart = orDefault(a.SeriesStart, "2012-01-01")
	cfg.SeriesEnd = orDefault(a.SeriesEnd, "2016-12-31")
	cfg.ReductionScale = a.ReductionScale
	if cfg.ReductionScale <= 0 {
		cfg.ReductionScale = 20000
	}
	cfg.CountriesAsset = strings.TrimSpace(a.CountriesAsset)
	cfg.CountryProperty = orDefault(a.CountryProperty, "Country")
	cfg.Countries = a.Countries
	cfg.VisMin, cfg.VisMax = -400, 400
	if a.Visualization.Min != nil {
		cfg.VisMin = *a.Visualization.Min
	}
	if a.Visualization.Max != nil {
		cfg.VisMax = *a.Visualization.Max
	}
	cfg.VisPalette = a.Visualization.Palette
	if len(cfg.VisPalette) == 0 {
		cfg.VisPalette = []string{"931206", "ff1b05", "fdff42", "4bff0f", "0fa713"}
	}
	cfg.WikiURL = orDefault(a.WikiURL, "http://en.wikipedia.org/wiki/")

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 60*time.Second)

	cfg.CacheBackend = strings.ToLower(orDefault(fc.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.CacheErrorTTL = cfg.CacheTTL
	if fc.Cache.ErrorTTL != nil {
		cfg.CacheErrorTTL = parseDurationOrZero(*fc.Cache.ErrorTTL, cfg.CacheTTL)
	}
	cfg.MemcachedAddrs = orDefault(fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = strings.TrimSpace(fc.Cache.Redis.Addr)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)
	cfg.BadgerDir = strings.TrimSpace(fc.Cache.Badger.Dir)
	cfg.CoalesceEnabled = fc.Cache.Coalesce
	cfg.WarmCache = fc.Cache.Warm
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)
	cfg.WarmPolygons = fc.Cache.WarmPolygons
	cfg.WarmConcurrency = fc.Cache.WarmConcurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}

	r := fc.Reliability
	cfg.RetryAttempts = r.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(r.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(r.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = r.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = r.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	cfg.CircuitBreakerEnabled = true
	if r.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *r.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = r.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerTimeout = parseDuration(r.CircuitBreaker.Timeout, 30*time.Second)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 60*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 250*time.Millisecond)

	return cfg
}

func applySecrets(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	cfg.EarthEngineAccount = strings.TrimSpace(sec.EarthEngineAccount)
	cfg.EarthEnginePrivateKeyFile = strings.TrimSpace(sec.EarthEnginePrivateKeyFile)
	cfg.RedisPassword = sec.RedisPassword
	return nil
}

func applyEnv(cfg *Config, ov *envOverrides) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.ServerPort, ov.Port)
	set(&cfg.PolygonDir, ov.PolygonDir)
	set(&cfg.CacheBackend, strings.ToLower(ov.CacheBackend))
	set(&cfg.MemcachedAddrs, ov.MemcachedAddrs)
	set(&cfg.RedisAddr, ov.RedisAddr)
	set(&cfg.RedisPassword, ov.RedisPassword)
	set(&cfg.BadgerDir, ov.BadgerDir)
	set(&cfg.EarthEngineProject, ov.EEProject)
	set(&cfg.EarthEngineAccount, ov.EEAccount)
	set(&cfg.EarthEnginePrivateKeyFile, ov.EEPrivateKeyFile)
}

// credentialsFile mirrors the Earth Engine command line credentials file.
type credentialsFile struct {
	URL        string `json:"url"`
	Account    string `json:"account"`
	PrivateKey string `json:"private_key"`
	Project    string `json:"project"`
}

// DefaultCredentialsFile returns ~/.config/earthengine/credentials.
func DefaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "earthengine", "credentials")
}

// ApplyCredentialsFile fills unset Earth Engine fields from a credentials file.
// Returns an error wrapping os.ErrNotExist when the file is absent.
func ApplyCredentialsFile(cfg *Config, path string) error {
	if path == "" {
		return fmt.Errorf("credentials file: %w", os.ErrNotExist)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}
	var cf credentialsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	if cfg.EarthEngineAccount == "" {
		cfg.EarthEngineAccount = cf.Account
	}
	if cfg.EarthEnginePrivateKeyFile == "" {
		cfg.EarthEnginePrivateKeyFile = cf.PrivateKey
	}
	if cfg.EarthEngineProject == "" {
		cfg.EarthEngineProject = cf.Project
	}
	if cf.URL != "" && cfg.EarthEngineURL == "https://earthengine.googleapis.com" {
		cfg.EarthEngineURL = cf.URL
	}
	return nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate runs struct-tag validation followed by cross-field checks.
// RequestTimeout is raised above EarthEngineTimeout when needed.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if cfg.EarthEngineTimeout <= 0 {
		return fmt.Errorf("earth_engine.timeout must be positive")
	}
	if floor := cfg.EarthEngineBudget() + 5*time.Second; cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}
	if err := checkWindow("reference", cfg.ReferenceStart, cfg.ReferenceEnd); err != nil {
		return err
	}
	if err := checkWindow("series", cfg.SeriesStart, cfg.SeriesEnd); err != nil {
		return err
	}
	if cfg.VisMin >= cfg.VisMax {
		return fmt.Errorf("analysis.visualization: min %v must be below max %v", cfg.VisMin, cfg.VisMax)
	}
	return nil
}

// EarthEngineBudget is the longest one Earth Engine call can take with every
// retry used: each attempt's timeout plus the worst-case jittered backoff
// between attempts. Backoff defaults match the client's.
func (c *Config) EarthEngineBudget() time.Duration {
	attempts := max(c.RetryAttempts, 1)
	base := c.RetryBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := max(c.RetryMaxDelay, base)

	total := time.Duration(attempts) * c.EarthEngineTimeout
	delay := base
	for i := 1; i < attempts; i++ {
		total += delay + delay/10
		delay = min(delay*2, ceiling)
	}
	return total
}

func checkWindow(name, start, end string) error {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return fmt.Errorf("analysis.%s_start: %w", name, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return fmt.Errorf("analysis.%s_end: %w", name, err)
	}
	if !s.Before(e) {
		return fmt.Errorf("analysis: %s window %s..%s is empty", name, start, end)
	}
	return nil
}
