package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/lmchat"
	"github.com/MegaGrindStone/lmchat/internal/chat"
	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// ChatService is the conversation logic behind the web surface.
type ChatService interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Messages(ctx context.Context, chatID string) ([]chat.View, error)
	Settings(ctx context.Context) (models.Settings, error)
	HideReasoning() bool
	Streaming(chatID string) bool

	Send(ctx context.Context, chatID, text string) (chat.Exchange, error)
	Regenerate(ctx context.Context, chatID string) (models.Message, error)
	Abort(chatID string) bool
	DeleteChat(ctx context.Context, chatID string) error
	SetHideReasoning(ctx context.Context, hide bool) error
	SetGeneration(ctx context.Context, systemPrompt string, temperature float32) (models.Settings, error)
}

// Main serves the chat pages and pushes re-rendered messages to the browser over server-sent events. It
// implements chat.Observer.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	chats        ChatService
	highlightCSS string

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a Main serving chats. highlightCSS is served as the code highlighting stylesheet. The
// SSE server subscribes every client to the default and chats topics, plus the topic of a single message
// when the client asks for it with the message_id query parameter.
func NewMain(chats ChatService, highlightCSS string, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		lmchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:    tmpl,
		chats:        chats,
		highlightCSS: highlightCSS,
		logger:       logger.With(slog.String("module", "main")),
	}, nil
}

var templateFuncs = template.FuncMap{
	"timeLabel": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("15:04")
	},
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected clients
// and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	e.AppendData("bye")

	if err := m.sseSrv.Publish(e); err != nil {
		m.logger.Error("Failed to publish close chat", slog.String(errLoggerKey, err.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
