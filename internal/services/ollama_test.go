package services_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"models":[{"name":"deepseek-r1:7b","model":"deepseek-r1:7b"},{"name":"llama3.2:1b"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "Ollama is running")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllama(t *testing.T) {
	srv := ollamaServer(t)
	ctx := context.Background()

	llm, err := services.NewOllama(srv.URL, "", srv.Client(), discardLogger)
	require.NoError(t, err)

	require.NoError(t, llm.Healthy(ctx))

	names, err := llm.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek-r1:7b", "llama3.2:1b"}, names)

	model, err := llm.Model(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-r1:7b", model)

	body, err := llm.Stream(ctx, []models.Message{{Role: models.RoleUser, Content: "hi"}}, models.Settings{Model: model})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, sseBody, string(raw))
}

func TestOllamaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	llm, err := services.NewOllama(url, "", nil, discardLogger)
	require.NoError(t, err)

	assert.Error(t, llm.Healthy(context.Background()))
}
