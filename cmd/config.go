package cmd

import (
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/go-playground/validator"
	"github.com/ish-xyz/mirrors-cache/pkg/gc"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	TRACKING_FILE_NAME = "cache_access_tracking.json"
	METRICS_DIR_NAME   = "metrics"
)

type Config struct {
	CacheRoot string `mapstructure:"cacheRoot" validate:"required" yaml:"cacheRoot"`
	DataPath  string `mapstructure:"dataPath" validate:"required" yaml:"dataPath"`

	Server struct {
		Address          string        `mapstructure:"address" validate:"required" yaml:"address"`
		DownloadWaitTime time.Duration `mapstructure:"downloadWaitTime" validate:"valid-time,required" yaml:"downloadWaitTime"`
	} `mapstructure:"server" validate:"required" yaml:"server"`

	Agent struct {
		RPCURL      string        `mapstructure:"rpcURL" validate:"required,url" yaml:"rpcURL"`
		Secret      string        `mapstructure:"secret" yaml:"-"`
		ExternalURL string        `mapstructure:"externalURL" yaml:"externalURL"`
		Timeout     time.Duration `mapstructure:"timeout" validate:"valid-time,required" yaml:"timeout"`
	} `mapstructure:"agent" validate:"required" yaml:"agent"`

	Metrics struct {
		Address string `mapstructure:"address" validate:"required" yaml:"address"`
	} `mapstructure:"metrics" validate:"required" yaml:"metrics"`

	Cleanup struct {
		Time       string `mapstructure:"time" validate:"valid-clock,required" yaml:"time"`
		ExpiryDays int    `mapstructure:"expiryDays" validate:"min=1" yaml:"expiryDays"`
	} `mapstructure:"cleanup" validate:"required" yaml:"cleanup"`

	Session struct {
		Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
		IdleTimeout time.Duration `mapstructure:"idleTimeout" validate:"valid-time,required" yaml:"idleTimeout"`
	} `mapstructure:"session" yaml:"session"`

	Log struct {
		File       string `mapstructure:"file" yaml:"file"`
		Format     string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
		MaxSizeMB  int    `mapstructure:"maxSizeMB" validate:"min=1" yaml:"maxSizeMB"`
		MaxBackups int    `mapstructure:"maxBackups" validate:"min=0" yaml:"maxBackups"`
		Compress   bool   `mapstructure:"compress" yaml:"compress"`
	} `mapstructure:"log" yaml:"log"`
}

func (c *Config) TrackingFile() string {
	return filepath.Join(c.DataPath, TRACKING_FILE_NAME)
}

func (c *Config) MetricsDir() string {
	return filepath.Join(c.DataPath, METRICS_DIR_NAME)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cacheRoot", "/app/cache")
	v.SetDefault("dataPath", "/app/data")
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.downloadWaitTime", "60s")
	v.SetDefault("agent.rpcURL", "http://aria2:6800/jsonrpc")
	v.SetDefault("agent.externalURL", "http://aria2.local")
	v.SetDefault("agent.timeout", "10s")
	v.SetDefault("metrics.address", "0.0.0.0:9090")
	v.SetDefault("cleanup.time", gc.DEFAULT_CLEANUP_CLOCK)
	v.SetDefault("cleanup.expiryDays", gc.DEFAULT_EXPIRY_DAYS)
	v.SetDefault("session.enabled", true)
	v.SetDefault("session.idleTimeout", "5s")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 10)
	v.SetDefault("log.compress", true)
}

// Bare numbers are seconds, so "downloadWaitTime: 60" means one minute
func secondsDecodeHook() mapstructure.DecodeHookFunc {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}

		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

func LoadAndValidateConfig(configFile string) (*Config, error) {

	var c Config

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	val := NewValidator()

	if err := val.Struct(c); err != nil {
		return nil, err
	}

	// tracked keys are absolute, relative roots must resolve the same way
	var err error
	if c.CacheRoot, err = filepath.Abs(c.CacheRoot); err != nil {
		return nil, fmt.Errorf("invalid cache root: %w", err)
	}
	if c.DataPath, err = filepath.Abs(c.DataPath); err != nil {
		return nil, fmt.Errorf("invalid data path: %w", err)
	}

	return &c, nil
}

func NewValidator() *validator.Validate {

	validate := validator.New()

	validate.RegisterValidation("valid-time", ValidateTime)
	validate.RegisterValidation("valid-clock", ValidateClock)

	return validate
}

// Validators

func ValidateTime(fl validator.FieldLevel) bool {

	minValue := time.Duration(time.Second * 1)
	value, ok := fl.Field().Interface().(time.Duration)
	if !ok {
		return false
	}
	return value >= minValue
}

func ValidateClock(fl validator.FieldLevel) bool {
	value, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}

	_, err := gc.ParseClock(value)
	return err == nil
}
