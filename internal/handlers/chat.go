package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/lmchat/internal/chat"
	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

type chatTitle struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time

	HTML         template.HTML
	HasReasoning bool
	State        models.State
	Error        string
}

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

func viewMessage(v chat.View) message {
	return message{
		ID:        v.ID,
		Role:      string(v.Role),
		Content:   v.Content,
		Timestamp: v.Timestamp,
		// The renderer sanitizes its output with an allow-list policy.
		HTML:         template.HTML(v.HTML),
		HasReasoning: v.HasReasoning,
		State:        v.State,
		Error:        v.Error,
	}
}

// HandleChats sends a user message. It accepts a "message" form field and an optional "chat_id"; without
// a chat_id it starts a new chat and renders the whole chatbox, otherwise it renders the user message and
// the placeholder of the reply, which then streams in over SSE.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := strings.TrimSpace(r.FormValue("message"))
	if text == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	ex, err := m.chats.Send(r.Context(), r.FormValue("chat_id"), text)
	if err != nil {
		m.logger.Error("Failed to send message",
			slog.String("chatID", r.FormValue("chat_id")),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	if ex.NewChat {
		views, err := m.chats.Messages(r.Context(), ex.ChatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", ex.ChatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		data := homePageData{
			CurrentChatID: ex.ChatID,
			Messages:      viewMessages(views),
			HideReasoning: m.chats.HideReasoning(),
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	err = m.templates.ExecuteTemplate(w, "user_message", message{
		ID:        ex.User.ID,
		Role:      string(ex.User.Role),
		Content:   ex.User.Content,
		Timestamp: ex.User.Timestamp,
		State:     models.StateCompleted,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:        ex.Assistant.ID,
		Role:      string(ex.Assistant.Role),
		Timestamp: ex.Assistant.Timestamp,
		State:     ex.Assistant.State,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleAbort stops the reply that is being generated for the "chat_id" form field. What was produced so
// far is kept.
func (m Main) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	if !m.chats.Abort(chatID) {
		m.logger.Debug("Nothing to abort", slog.String("chatID", chatID))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRegenerate generates the last reply of the "chat_id" chat again and renders its placeholder.
func (m Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	msg, err := m.chats.Regenerate(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to regenerate",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Timestamp: msg.Timestamp,
		State:     msg.State,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleDeleteChat deletes the "chat_id" chat. The chat list of every client is refreshed over SSE.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	if err := m.chats.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("HX-Redirect", "/")
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE serves the server-sent events stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrStreamActive):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrNothingToRegenerate):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func viewMessages(views []chat.View) []message {
	msgs := make([]message, len(views))
	for i, v := range views {
		msgs[i] = viewMessage(v)
	}
	return msgs
}

// MessageUpdated publishes the re-rendered reply to the clients watching it. The final update also
// closes their stream.
func (m Main) MessageUpdated(u chat.Update) {
	var sb strings.Builder
	err := m.templates.ExecuteTemplate(&sb, "ai_message_content", message{
		ID:           u.MessageID,
		Role:         string(models.RoleAssistant),
		HTML:         template.HTML(u.HTML),
		HasReasoning: u.HasReasoning,
		State:        u.State,
		Error:        u.Error,
	})
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", u.MessageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, messageIDTopic(u.MessageID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", u.MessageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if u.Final {
		e := sse.Message{Type: closeMessageSSEType}
		e.AppendData(string(u.State))
		if err := m.sseSrv.Publish(&e, messageIDTopic(u.MessageID)); err != nil {
			m.logger.Error("Failed to publish close message",
				slog.String("messageID", u.MessageID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// ChatsUpdated publishes the chat list to every client.
func (m Main) ChatsUpdated() {
	divs, err := m.chatDivs("")
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.chats.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatTitle{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
