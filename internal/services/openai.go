package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/stream"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// OpenAI talks to any server exposing the OpenAI chat completions API: LM Studio, llama.cpp, vLLM, or
// OpenAI itself. It returns the raw event stream so the caller decodes it.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	// headers are set on every stream request.
	headers map[string]string

	httpClient *http.Client
	client     *goopenai.Client

	logger *slog.Logger
}

// ErrNoModels is returned when no model is configured and the server lists none.
var ErrNoModels = errors.New("no models available on the inference server")

const (
	errLoggerKey = "err"

	maxErrorBody = 64 << 10
)

// NewOpenAI creates an OpenAI transport for the server at baseURL, which includes the API version path
// (for example http://localhost:1234/v1). apiKey may be empty. model may be empty to use the first model
// the server lists.
func NewOpenAI(baseURL, apiKey, model string, httpClient *http.Client, logger *slog.Logger) OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = httpClient

	return OpenAI{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		client:     goopenai.NewClientWithConfig(cfg),
		logger:     logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		// Failed or never started replies carry nothing the model should see.
		if msg.Role == models.RoleAssistant && (msg.Content == "" || msg.State == models.StateFailed) {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

func (o OpenAI) chatRequest(messages []models.Message, settings models.Settings) goopenai.ChatCompletionRequest {
	settings = settings.Normalize()
	return goopenai.ChatCompletionRequest{
		Model:       settings.Model,
		Messages:    openAIMessages(settings.SystemPrompt, messages),
		Stream:      true,
		Temperature: settings.Temperature,
	}
}

// Stream posts a streaming chat completion request and returns the response body, a stream of
// "data: " prefixed JSON lines ending with "data: [DONE]". settings.Model must be resolved, see Model.
// Failures to open the stream are reported as *stream.TransportError.
func (o OpenAI) Stream(ctx context.Context, messages []models.Message, settings models.Settings) (io.ReadCloser, error) {
	req := o.chatRequest(messages, settings)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}
	o.logger.Debug("Request", slog.String("req", string(body)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	for k, v := range o.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, &stream.TransportError{Op: "open", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &stream.TransportError{
			Op:         "open",
			StatusCode: resp.StatusCode,
			Err:        errors.New(errorMessage(resp.Body, resp.Status)),
		}
	}
	return resp.Body, nil
}

// errorMessage extracts the server's error.message from an error response body, falling back to the raw
// body and then to fallback.
func errorMessage(r io.Reader, fallback string) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.String() != "" {
		return msg.String()
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return fallback
}

// Models lists the model identifiers the server offers.
func (o OpenAI) Models(ctx context.Context) ([]string, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.ID
	}
	return names, nil
}

// Model resolves the model to request: preferred, else the configured model, else the first model the
// server lists.
func (o OpenAI) Model(ctx context.Context, preferred string) (string, error) {
	return resolveModel(ctx, preferred, o.model, o.Models)
}

// Healthy reports whether the server answers the model listing.
func (o OpenAI) Healthy(ctx context.Context) error {
	_, err := o.Models(ctx)
	return err
}

func resolveModel(
	ctx context.Context,
	preferred, configured string,
	list func(context.Context) ([]string, error),
) (string, error) {
	if preferred != "" {
		return preferred, nil
	}
	if configured != "" {
		return configured, nil
	}
	names, err := list(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoModels
	}
	return names[0], nil
}
