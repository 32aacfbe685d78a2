package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/lmchat/internal/models"
)

type homePageData struct {
	Chats         []chatTitle
	CurrentChatID string
	Messages      []message
	HideReasoning bool
	Streaming     bool

	SystemPrompt   string
	Temperature    float32
	MaxTemperature float32
}

// HandleHome renders the chat page: the chat list and, when the "chat_id" query parameter names a
// chat, its messages rendered under the current hide-reasoning policy.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chats, err := m.chats.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	settings, err := m.chats.Settings(r.Context())
	if err != nil {
		m.logger.Error("Failed to get settings", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	data := homePageData{
		Chats:          make([]chatTitle, len(chats)),
		CurrentChatID:  chatID,
		HideReasoning:  m.chats.HideReasoning(),
		SystemPrompt:   settings.SystemPrompt,
		Temperature:    settings.Temperature,
		MaxTemperature: models.MaxTemperature,
	}
	for i, ch := range chats {
		data.Chats[i] = chatTitle{ID: ch.ID, Title: ch.Title, Active: ch.ID == chatID}
	}

	if chatID != "" {
		views, err := m.chats.Messages(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Messages = viewMessages(views)
		data.Streaming = m.chats.Streaming(chatID)
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleHighlightCSS serves the stylesheet of highlighted code blocks.
func (m Main) HandleHighlightCSS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(m.highlightCSS))
}
