package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Ollama serves chat completions from an Ollama server. Streaming goes through Ollama's
// OpenAI-compatible /v1 endpoint so the reply arrives in the same event format as from any other server;
// model discovery and health checks use the native API.
type Ollama struct {
	OpenAI

	model  string
	client *api.Client
}

// NewOllama creates an Ollama transport for the server at host (for example http://localhost:11434).
func NewOllama(host, model string, httpClient *http.Client, logger *slog.Logger) (Ollama, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("error parsing host url: %w", err)
	}

	return Ollama{
		OpenAI: NewOpenAI(host+"/v1", "", model, httpClient, logger.With(slog.String("provider", "ollama"))),
		model:  model,
		client: api.NewClient(u, httpClient),
	}, nil
}

// Models lists the locally installed models.
func (o Ollama) Models(ctx context.Context) ([]string, error) {
	list, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Model resolves the model to request: preferred, else the configured model, else the first installed
// model.
func (o Ollama) Model(ctx context.Context, preferred string) (string, error) {
	return resolveModel(ctx, preferred, o.model, o.Models)
}

// Healthy reports whether the Ollama server is running.
func (o Ollama) Healthy(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("error reaching ollama: %w", err)
	}
	return nil
}
