package services

import (
	"log/slog"
	"net/http"
)

// OpenRouter streams chat completions from OpenRouter's OpenAI-compatible API. Requests carry the
// attribution headers OpenRouter uses to identify the calling app.
type OpenRouter struct {
	OpenAI
}

// OpenRouterBaseURL is the API root used when NewOpenRouter is given an empty base URL.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouter creates an OpenRouter transport. baseURL may be empty to use OpenRouterBaseURL.
func NewOpenRouter(baseURL, apiKey, model string, httpClient *http.Client, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	o := NewOpenAI(baseURL, apiKey, model, httpClient, logger.With(slog.String("provider", "openrouter")))
	o.headers = map[string]string{
		"HTTP-Referer": "https://github.com/MegaGrindStone/lmchat",
		"X-Title":      "lmchat",
	}
	return OpenRouter{OpenAI: o}
}
