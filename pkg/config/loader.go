package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads a YAML configuration file, substitutes ${ENV} placeholders, applies
// GAMEFORGE_* overrides and defaults, and validates the result. An empty path
// yields the defaults with overrides applied.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg after environment placeholder substitution.
func Parse(data []byte, cfg *Config) error {
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	if err := yaml.Unmarshal([]byte(dataStr), cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := fieldType.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}
		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		}
	case reflect.Uint64:
		if val, err := strconv.ParseUint(envValue, 10, 64); err == nil {
			field.SetUint(val)
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	}
}

// applyDefaults sets default values for missing configuration.
// Threshold keeps an explicit 0 only when K is also set, since a zero-value
// document has no way to distinguish "unset" from "zero".
func applyDefaults(cfg *Config) {
	if cfg.Catalog.Embedder == "" {
		cfg.Catalog.Embedder = EmbedderHash
	}
	if cfg.Catalog.Dimensions == 0 && cfg.Catalog.Embedder == EmbedderHash {
		cfg.Catalog.Dimensions = DefaultEmbeddingDims
	}

	if cfg.Retrieval.K == 0 {
		cfg.Retrieval.K = DefaultK
		if cfg.Retrieval.Threshold == 0 {
			cfg.Retrieval.Threshold = DefaultThreshold
		}
	}

	if cfg.Pipeline.ReviewRetries == 0 {
		cfg.Pipeline.ReviewRetries = DefaultReviewRetries
	}
	if cfg.Pipeline.MaxTokens == 0 {
		cfg.Pipeline.MaxTokens = DefaultMaxTokens
	}
	if cfg.Pipeline.Temperature == 0 {
		cfg.Pipeline.Temperature = DefaultTemperature
	}
	if cfg.Pipeline.ContextTokenBudget == 0 {
		cfg.Pipeline.ContextTokenBudget = DefaultContextTokenBudget
	}

	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = SandboxLocal
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = DefaultSandboxTimeout
	}
	if cfg.Sandbox.MemoryMB == 0 {
		cfg.Sandbox.MemoryMB = DefaultMemoryMB
	}
	if cfg.Sandbox.CPUSeconds == 0 {
		cfg.Sandbox.CPUSeconds = DefaultCPUSeconds
	}
	if cfg.Sandbox.Python == "" {
		cfg.Sandbox.Python = DefaultPython
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = DefaultDockerImage
	}
	if cfg.Sandbox.SmokeFrames == 0 {
		cfg.Sandbox.SmokeFrames = DefaultSmokeFrames
	}

	if cfg.Fuzz.Seed == 0 {
		cfg.Fuzz.Seed = DefaultFuzzSeed
	}
	if cfg.Fuzz.Length == 0 {
		cfg.Fuzz.Length = DefaultFuzzLength
	}
	if cfg.Fuzz.FrameDT == 0 {
		cfg.Fuzz.FrameDT = DefaultFuzzFrameDT
	}
	if cfg.Fuzz.Timeout == 0 {
		cfg.Fuzz.Timeout = DefaultFuzzTimeout
	}

	if cfg.Repair.MaxAttempts == 0 {
		cfg.Repair.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Repair.Workspace == "" {
		cfg.Repair.Workspace = DefaultWorkspace
	}
	if cfg.Repair.Parallelism == 0 {
		cfg.Repair.Parallelism = DefaultParallelism
	}
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validation error: %w", err)
	}

	if cfg.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %s", cfg.Sandbox.Timeout)
	}
	if cfg.Fuzz.Timeout <= 0 {
		return fmt.Errorf("fuzz.timeout must be positive, got %s", cfg.Fuzz.Timeout)
	}

	if cfg.Pipeline.Provider == "" {
		for _, model := range []string{cfg.Pipeline.PlannerModel, cfg.Pipeline.EngineerModel} {
			if model == "" {
				continue
			}
			if _, err := GetModelProvider(model); err != nil {
				return err
			}
		}
	}
	return nil
}
