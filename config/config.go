package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Http struct {
		Port           int      `yaml:"port"`
		Timeout        string   `yaml:"timeout"`
		MaxBodyBytes   int64    `yaml:"max_body_bytes"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Log      LogConfig `yaml:"log"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Registry struct {
		TrackingURI string `yaml:"tracking_uri"`
		Timeout     string `yaml:"timeout"`
		MaxRetries  int    `yaml:"max_retries"`
	} `yaml:"registry"`
	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
		Secure    bool   `yaml:"secure"`
	} `yaml:"storage"`
	Model struct {
		Name         string `yaml:"name"`
		Lookup       string `yaml:"lookup"`
		Alias        string `yaml:"alias"`
		Stage        string `yaml:"stage"`
		ArtifactFile string `yaml:"artifact_file"`
		LocalPath    string `yaml:"local_path"`
		ONNXLibrary  string `yaml:"onnx_library"`
	} `yaml:"model"`
	Schema struct {
		Bucket      string `yaml:"bucket"`
		Key         string `yaml:"key"`
		LocalPath   string `yaml:"local_path"`
		LabelColumn string `yaml:"label_column"`
	} `yaml:"schema"`
	Resolve struct {
		PrimaryTimeout  string `yaml:"primary_timeout"`
		FallbackTimeout string `yaml:"fallback_timeout"`
	} `yaml:"resolve"`
	Request struct {
		Bounds map[string]Bounds `yaml:"bounds"`
	} `yaml:"request"`
	Cache struct {
		// Size is the per-snapshot entry count; 0 means the default and a
		// negative value turns the cache off.
		Size int `yaml:"size"`
	} `yaml:"cache"`
	Watch struct {
		Enabled  bool   `yaml:"enabled"`
		Debounce string `yaml:"debounce"`
	} `yaml:"watch"`
	Alerts struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"alerts"`
}

// WebhookConfig is one alert destination.
type WebhookConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	MinLevel   string `yaml:"min_level"`
	MaxPerHour int    `yaml:"max_per_hour"`
	Cooldown   string `yaml:"cooldown"`
}

// Bounds is the inclusive range a numeric request field must fall in.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

const (
	LookupAlias = "alias"
	LookupStage = "stage"
)

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a configuration with every default applied, used when no
// config file is present.
func Default() *Config {
	var config Config
	config.applyEnv()
	config.applyDefaults()
	return &config
}

func (c *Config) applyEnv() {
	c.Registry.TrackingURI = getenv("MLFLOW_TRACKING_URI", c.Registry.TrackingURI)
	c.Storage.Endpoint = getenv("MLFLOW_S3_ENDPOINT_URL", c.Storage.Endpoint)
	c.Storage.Endpoint = getenv("AWS_ENDPOINT_URL_S3", c.Storage.Endpoint)
	c.Storage.AccessKey = getenv("AWS_ACCESS_KEY_ID", c.Storage.AccessKey)
	c.Storage.SecretKey = getenv("AWS_SECRET_ACCESS_KEY", c.Storage.SecretKey)
	if v := os.Getenv("PREDICT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Http.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Http.Port == 0 {
		c.Http.Port = 8800
	}
	if c.Http.Timeout == "" {
		c.Http.Timeout = "30s"
	}
	if c.Http.MaxBodyBytes == 0 {
		c.Http.MaxBodyBytes = 1 << 20
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/predictions.db"
	}
	if c.Registry.TrackingURI == "" {
		c.Registry.TrackingURI = "http://mlflow:5000"
	}
	if c.Registry.Timeout == "" {
		c.Registry.Timeout = "5s"
	}
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = "http://minio:9000"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Model.Name == "" {
		c.Model.Name = "Lluvia_model_prod2"
	}
	if c.Model.Lookup == "" {
		c.Model.Lookup = LookupAlias
	}
	if c.Model.Alias == "" {
		c.Model.Alias = "champion"
	}
	if c.Model.Stage == "" {
		c.Model.Stage = "Production"
	}
	if c.Model.ArtifactFile == "" {
		c.Model.ArtifactFile = "model.json"
	}
	if c.Model.LocalPath == "" {
		c.Model.LocalPath = "files/model.json"
	}
	if c.Schema.Bucket == "" {
		c.Schema.Bucket = "data"
	}
	if c.Schema.Key == "" {
		c.Schema.Key = "data_info/columns.json"
	}
	if c.Schema.LocalPath == "" {
		c.Schema.LocalPath = "files/columns.json"
	}
	if c.Schema.LabelColumn == "" {
		c.Schema.LabelColumn = "RainToday"
	}
	if c.Resolve.PrimaryTimeout == "" {
		c.Resolve.PrimaryTimeout = "10s"
	}
	if c.Resolve.FallbackTimeout == "" {
		c.Resolve.FallbackTimeout = "5s"
	}
	if len(c.Request.Bounds) == 0 {
		c.Request.Bounds = map[string]Bounds{
			"Sunshine":    {Min: 0, Max: 24},
			"Humidity9am": {Min: 0, Max: 100},
			"Humidity3pm": {Min: 0, Max: 100},
			"Cloud9am":    {Min: 0, Max: 10},
			"Cloud3pm":    {Min: 0, Max: 10},
		}
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1024
	}
	if c.Watch.Debounce == "" {
		c.Watch.Debounce = "500ms"
	}
	for i := range c.Alerts.Webhooks {
		hook := &c.Alerts.Webhooks[i]
		if hook.Name == "" {
			hook.Name = fmt.Sprintf("webhook-%d", i+1)
		}
		if hook.MinLevel == "" {
			hook.MinLevel = "warning"
		}
		if hook.Cooldown == "" {
			hook.Cooldown = "5m"
		}
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Model.Lookup {
	case LookupAlias:
		if c.Model.Alias == "" {
			return errors.New("model.alias is required for alias lookup")
		}
	case LookupStage:
		if c.Model.Stage == "" {
			return errors.New("model.stage is required for stage lookup")
		}
	default:
		return fmt.Errorf("model.lookup must be %q or %q, got %q", LookupAlias, LookupStage, c.Model.Lookup)
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if c.Model.LocalPath == "" || c.Schema.LocalPath == "" {
		return errors.New("local fallback paths are required")
	}
	for field, bounds := range c.Request.Bounds {
		if bounds.Min > bounds.Max {
			return fmt.Errorf("request.bounds.%s: min %v greater than max %v", field, bounds.Min, bounds.Max)
		}
	}
	for _, hook := range c.Alerts.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("alerts.webhooks.%s: url is required", hook.Name)
		}
		switch hook.MinLevel {
		case "info", "warning", "error", "critical":
		default:
			return fmt.Errorf("alerts.webhooks.%s: unknown min_level %q", hook.Name, hook.MinLevel)
		}
		if _, err := time.ParseDuration(hook.Cooldown); err != nil {
			return fmt.Errorf("alerts.webhooks.%s.cooldown: %w", hook.Name, err)
		}
	}
	for name, value := range map[string]string{
		"http.timeout":             c.Http.Timeout,
		"registry.timeout":         c.Registry.Timeout,
		"resolve.primary_timeout":  c.Resolve.PrimaryTimeout,
		"resolve.fallback_timeout": c.Resolve.FallbackTimeout,
		"watch.debounce":           c.Watch.Debounce,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// LookupValue returns the alias or stage name the model is addressed by.
func (c *Config) LookupValue() string {
	if c.Model.Lookup == LookupStage {
		return c.Model.Stage
	}
	return c.Model.Alias
}

// Duration parses a validated duration string; invalid input yields fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
