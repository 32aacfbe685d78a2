package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/lmchat/internal/chat"
	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/MegaGrindStone/lmchat/internal/services"
	"gopkg.in/yaml.v3"
)

// LLM is a chat completion server.
type LLM interface {
	chat.LLM

	Models(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) error
}

type llmConfig interface {
	llm(httpClient *http.Client, logger *slog.Logger) (LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port           string          `yaml:"port"`
	LogLevel       string          `yaml:"logLevel"`
	SystemPrompt   string          `yaml:"systemPrompt"`
	Temperature    *float32        `yaml:"temperature"`
	HighlightStyle string          `yaml:"highlightStyle"`
	Reasoning      reasoningConfig `yaml:"reasoning"`
	LLM            llmConfig       `yaml:"llm"`
}

type reasoningConfig struct {
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	LegacySteps bool   `yaml:"legacySteps"`
}

type lmStudioConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	defaultPort           = "8080"
	defaultLMStudioHost   = "http://localhost:1234/v1"
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultOllamaHost     = "http://localhost:11434"
	defaultHighlightStyle = "monokai"
)

func defaultConfig() config {
	return config{
		Port:           defaultPort,
		LogLevel:       "info",
		HighlightStyle: defaultHighlightStyle,
		LLM:            &lmStudioConfig{BaseLLMConfig: BaseLLMConfig{Provider: "lmstudio"}},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string          `yaml:"port"`
		LogLevel       string          `yaml:"logLevel"`
		SystemPrompt   string          `yaml:"systemPrompt"`
		Temperature    *float32        `yaml:"temperature"`
		HighlightStyle string          `yaml:"highlightStyle"`
		Reasoning      reasoningConfig `yaml:"reasoning"`
		LLM            map[string]any  `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	if rawConfig.HighlightStyle != "" {
		c.HighlightStyle = rawConfig.HighlightStyle
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Temperature = rawConfig.Temperature
	c.Reasoning = rawConfig.Reasoning

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider := "lmstudio"
	if p, ok := rawConfig.LLM["provider"]; ok {
		s, ok := p.(string)
		if !ok {
			return fmt.Errorf("llm provider must be a string")
		}
		llmProvider = s
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "lmstudio":
		llm = &lmStudioConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// loadConfig reads the config file at path. A missing file at the default location leaves the defaults
// in place; a missing file that was named explicitly is an error.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func defaultConfigDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "lmchat"), nil
}

func (c config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) extractor() reasoning.Extractor {
	return reasoning.Extractor{
		Delimiters: reasoning.Delimiters{
			Open:  c.Reasoning.Open,
			Close: c.Reasoning.Close,
		},
		LegacySteps: c.Reasoning.LegacySteps,
	}
}

// applyTo overrides the generation fields of s that the config sets.
func (c config) applyTo(s models.Settings) models.Settings {
	if c.SystemPrompt != "" {
		s.SystemPrompt = c.SystemPrompt
	}
	if c.Temperature != nil {
		s.Temperature = *c.Temperature
	}
	return s.Normalize()
}

func (l lmStudioConfig) llm(httpClient *http.Client, logger *slog.Logger) (LLM, error) {
	host := l.Host
	if host == "" {
		host = os.Getenv("LMSTUDIO_HOST")
	}
	if host == "" {
		host = defaultLMStudioHost
	}
	return services.NewOpenAI(host, l.APIKey, l.Model, httpClient,
		logger.With(slog.String("provider", "lmstudio"))), nil
}

func (o openAIConfig) llm(httpClient *http.Client, logger *slog.Logger) (LLM, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return services.NewOpenAI(baseURL, apiKey, o.Model, httpClient,
		logger.With(slog.String("provider", "openai"))), nil
}

func (o openRouterConfig) llm(httpClient *http.Client, logger *slog.Logger) (LLM, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return services.NewOpenRouter("", apiKey, o.Model, httpClient, logger), nil
}

func (o ollamaConfig) llm(httpClient *http.Client, logger *slog.Logger) (LLM, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, httpClient, logger)
}
