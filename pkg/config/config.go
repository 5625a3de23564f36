// Package config provides configuration loading, validation, and secret lookup for gameforge.
// Configuration is a YAML file with ${ENV} substitution and GAMEFORGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Embedder names. The hash embedder needs no network and is used offline and in tests.
const (
	EmbedderHash   = "hash"
	EmbedderGoogle = ProviderGoogle
	EmbedderOpenAI = ProviderOpenAI
	EmbedderOllama = ProviderOllama
)

// Sandbox backends.
const (
	SandboxLocal  = "local"
	SandboxDocker = "docker"
)

// Environment variables holding provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// EnvPrefix prefixes reflective overrides, e.g. GAMEFORGE_SANDBOX_TIMEOUT=5s.
	EnvPrefix = "GAMEFORGE_"
)

// Defaults.
const (
	DefaultK                  = 3
	DefaultThreshold          = 0.2
	DefaultReviewRetries      = 2
	DefaultMaxTokens          = 8192
	DefaultTemperature        = 0.3
	DefaultContextTokenBudget = 12000
	DefaultSandboxTimeout     = 10 * time.Second
	DefaultMemoryMB           = 1024
	DefaultCPUSeconds         = 30
	DefaultSmokeFrames        = 120
	DefaultPython             = "python3"
	DefaultDockerImage        = "python:3.12-slim"
	DefaultFuzzSeed           = 42
	DefaultFuzzLength         = 50
	DefaultFuzzFrameDT        = 1.0 / 60.0
	DefaultFuzzTimeout        = 20 * time.Second
	DefaultMaxAttempts        = 3
	DefaultParallelism        = 2
	DefaultWorkspace          = ".gameforge/sessions"
	DefaultEmbeddingDims      = 256
)

// Config is the root configuration document.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Fuzz      FuzzConfig      `yaml:"fuzz"`
	Repair    RepairConfig    `yaml:"repair"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CatalogConfig locates reference modules and picks the embedding backend.
type CatalogConfig struct {
	Dir            string `yaml:"dir"`
	Snapshot       string `yaml:"snapshot"`
	Embedder       string `yaml:"embedder" validate:"oneof=hash google openai ollama"`
	EmbeddingModel string `yaml:"embedding_model"`
	Dimensions     int    `yaml:"dimensions" validate:"gte=0,lte=8192"`
	Watch          bool   `yaml:"watch"`
}

type RetrievalConfig struct {
	K         int     `yaml:"k" validate:"gte=1,lte=50"`
	Threshold float64 `yaml:"threshold" validate:"gte=-1,lt=1"`
	Expand    bool    `yaml:"expand"`
}

// PipelineConfig selects models for the role stages.
type PipelineConfig struct {
	Provider           string  `yaml:"provider" validate:"omitempty,oneof=anthropic openai google ollama"`
	PlannerModel       string  `yaml:"planner_model"`
	EngineerModel      string  `yaml:"engineer_model"`
	ReviewRetries      int     `yaml:"review_retries" validate:"gte=0,lte=10"`
	MaxTokens          int     `yaml:"max_tokens" validate:"gt=0"`
	Temperature        float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	ContextTokenBudget int     `yaml:"context_token_budget" validate:"gte=0"`
	Refine             bool    `yaml:"refine"`
	MaxTPM             int     `yaml:"max_tpm" validate:"gte=0"` // per model; 0 disables
	MaxConcurrent      int     `yaml:"max_concurrent" validate:"gte=0"`
}

type SandboxConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=local docker"`
	Timeout     time.Duration `yaml:"timeout"`
	MemoryMB    int           `yaml:"memory_mb" validate:"gte=0"`
	CPUSeconds  int           `yaml:"cpu_seconds" validate:"gte=0"`
	Python      string        `yaml:"python" validate:"required"`
	Image       string        `yaml:"image"`
	SmokeFrames int           `yaml:"smoke_frames" validate:"gte=1"`
}

type FuzzConfig struct {
	Seed    uint64        `yaml:"seed"`
	Length  int           `yaml:"length" validate:"gte=1,lte=100000"`
	FrameDT float64       `yaml:"frame_dt" validate:"gt=0"`
	Timeout time.Duration `yaml:"timeout"`
}

type RepairConfig struct {
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=1,lte=100"`
	Workspace   string `yaml:"workspace" validate:"required"`
	Parallelism int    `yaml:"parallelism" validate:"gte=1"`
}

// StoreConfig points at the sqlite audit database. An empty path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url" validate:"omitempty,url"`
}

// ModelInfo describes a known model.
type ModelInfo struct {
	Provider        string
	MaxOutputTokens int
}

// KnownModels maps model names to providers.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":      {Provider: ProviderAnthropic, MaxOutputTokens: 64000},
	"claude-opus-4-1":        {Provider: ProviderAnthropic, MaxOutputTokens: 32000},
	"gpt-5":                  {Provider: ProviderOpenAI, MaxOutputTokens: 128000},
	"gpt-4.1":                {Provider: ProviderOpenAI, MaxOutputTokens: 32768},
	"gemini-2.5-pro":         {Provider: ProviderGoogle, MaxOutputTokens: 65536},
	"gemini-2.5-flash":       {Provider: ProviderGoogle, MaxOutputTokens: 65536},
	"text-embedding-004":     {Provider: ProviderGoogle},
	"text-embedding-3-small": {Provider: ProviderOpenAI},
	"nomic-embed-text":       {Provider: ProviderOllama},
	"qwen2.5-coder:14b":      {Provider: ProviderOllama, MaxOutputTokens: 8192},
}

var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"text-embedding-3", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"text-embedding-0", ProviderGoogle},
}

// GetModelProvider resolves the provider for a model name via KnownModels, then name prefixes.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range providerPrefixes {
		if strings.HasPrefix(modelName, p.prefix) {
			return p.provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping", modelName)
}

// GetAPIKey returns the API key for a provider (the host URL for ollama).
// Decrypted secrets take precedence over the environment.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if host, err := GetSecret(EnvOllamaHost); err == nil {
			return host, nil
		}
		return "http://localhost:11434", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
	key, err := GetSecret(envVar)
	if err != nil {
		return "", fmt.Errorf("no API key for %s: set %s", provider, envVar)
	}
	return key, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

//nolint:gochecknoglobals // process-wide config, guarded by mu
var (
	current *Config
	mu      sync.RWMutex
)

// SetConfig installs cfg as the process-wide configuration.
func SetConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	c := *cfg
	current = &c
}

// GetConfig returns a copy of the process-wide configuration, or defaults when none is set.
func GetConfig() Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return *Default()
	}
	return *current
}

// ResolveWorkspace returns the absolute workspace root, creating it if needed.
func (c *Config) ResolveWorkspace() (string, error) {
	root, err := filepath.Abs(c.Repair.Workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", root, err)
	}
	return root, nil
}
