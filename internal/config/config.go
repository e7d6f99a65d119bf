package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Secrets      SecretsConfig      `yaml:"secrets" mapstructure:"secrets"`
	Objects      ObjectStoreConfig  `yaml:"objects" mapstructure:"objects"`
	Compute      ComputeConfig      `yaml:"compute" mapstructure:"compute"`
	Geocode      GeocodeConfig      `yaml:"geocode" mapstructure:"geocode"`
	Solar        SolarConfig        `yaml:"solar" mapstructure:"solar"`
	EagleView    EagleViewConfig    `yaml:"eagleview" mapstructure:"eagleview"`
	QuickMeasure QuickMeasureConfig `yaml:"quickmeasure" mapstructure:"quickmeasure"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Fallback     FallbackConfig     `yaml:"fallback" mapstructure:"fallback"`
	Reconcile    ReconcileConfig    `yaml:"reconcile" mapstructure:"reconcile"`
	Salesforce   SalesforceConfig   `yaml:"salesforce" mapstructure:"salesforce"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SecretsConfig configures the managed secret store with env fallback.
type SecretsConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Token     string `yaml:"token" mapstructure:"token"`
	EnvPrefix string `yaml:"env_prefix" mapstructure:"env_prefix"`
}

// ObjectStoreConfig configures durable artifact storage.
type ObjectStoreConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Bucket  string `yaml:"bucket" mapstructure:"bucket"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// ComputeConfig names the externally-invoked compute functions used by the
// aerial measurement pipeline.
type ComputeConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Token        string `yaml:"token" mapstructure:"token"`
	ImageryFn    string `yaml:"imagery_fn" mapstructure:"imagery_fn"`
	SegmentFn    string `yaml:"segment_fn" mapstructure:"segment_fn"`
	MeasureFn    string `yaml:"measure_fn" mapstructure:"measure_fn"`
	ReportFn     string `yaml:"report_fn" mapstructure:"report_fn"`
	MLAnalyzerFn string `yaml:"ml_analyzer_fn" mapstructure:"ml_analyzer_fn"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GeocodeConfig configures address geocoding.
type GeocodeConfig struct {
	GoogleKey string  `yaml:"google_key" mapstructure:"google_key"`
	RateRPS   float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// SolarConfig configures the Google Solar building-insights client.
type SolarConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// EagleViewConfig holds authorization-code OAuth settings for EagleView.
type EagleViewConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri" mapstructure:"redirect_uri"`
}

// QuickMeasureConfig holds client-credentials OAuth settings for GAF
// QuickMeasure.
type QuickMeasureConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	WebhookURL   string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// PipelineConfig configures the aerial measurement pipeline.
type PipelineConfig struct {
	GSDMeters        float64 `yaml:"gsd_meters" mapstructure:"gsd_meters"`
	ApplyCalibration bool    `yaml:"apply_calibration" mapstructure:"apply_calibration"`
	RenderPDF        bool    `yaml:"render_pdf" mapstructure:"render_pdf"`
	BufferMeters     float64 `yaml:"buffer_meters" mapstructure:"buffer_meters"`
}

// FallbackConfig configures imagery source selection.
type FallbackConfig struct {
	MLConfidenceThreshold float64 `yaml:"ml_confidence_threshold" mapstructure:"ml_confidence_threshold"`
	CoverageTimeoutSecs   int     `yaml:"coverage_timeout_secs" mapstructure:"coverage_timeout_secs"`
}

// ReconcileConfig configures the outstanding-order reconciliation loop.
type ReconcileConfig struct {
	Schedule        string `yaml:"schedule" mapstructure:"schedule"` // cron spec, e.g. "@every 10m"
	QuietPeriodMins int    `yaml:"quiet_period_mins" mapstructure:"quiet_period_mins"`
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	InterCallMillis int    `yaml:"inter_call_millis" mapstructure:"inter_call_millis"`
}

// SalesforceConfig holds Salesforce JWT auth settings for opportunity sync.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// RetryConfig controls retries on provider and compute gateway calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MEASURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("secrets.env_prefix", "MEASURE_SECRET_")
	v.SetDefault("compute.imagery_fn", "roof-imagery-fetcher")
	v.SetDefault("compute.segment_fn", "roof-segmenter")
	v.SetDefault("compute.measure_fn", "roof-measurement-calculator")
	v.SetDefault("compute.report_fn", "roof-report-generator")
	v.SetDefault("compute.ml_analyzer_fn", "panda-roof-ml-analyzer")
	v.SetDefault("compute.timeout_secs", 120)
	v.SetDefault("geocode.rate_rps", 10)
	v.SetDefault("solar.base_url", "https://solar.googleapis.com/v1")
	v.SetDefault("eagleview.base_url", "https://api.eagleview.com")
	v.SetDefault("quickmeasure.base_url", "https://api.gaf.com/quickmeasure")
	v.SetDefault("pipeline.gsd_meters", 1.0)
	v.SetDefault("pipeline.apply_calibration", true)
	v.SetDefault("pipeline.render_pdf", true)
	v.SetDefault("pipeline.buffer_meters", 100)
	v.SetDefault("fallback.ml_confidence_threshold", 0.75)
	v.SetDefault("fallback.coverage_timeout_secs", 10)
	v.SetDefault("reconcile.schedule", "@every 10m")
	v.SetDefault("reconcile.quiet_period_mins", 5)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.inter_call_millis", 500)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
