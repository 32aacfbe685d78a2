package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/lmchat/internal/render"
	"github.com/tmaxmax/go-sse"
)

var settingsSSEType = sse.Type("settings")

type policyEvent struct {
	HideReasoning bool              `json:"hideReasoning"`
	Messages      map[string]string `json:"messages"`
}

// HandleSettings changes the settings named by the posted form fields: "hide_reasoning" switches the
// policy and re-renders every message for all clients through a settings event, "system_prompt" and
// "temperature" apply to replies generated afterwards. Fields that are absent keep their value.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var hide *bool
	if _, ok := r.PostForm["hide_reasoning"]; ok {
		v, err := strconv.ParseBool(r.PostForm.Get("hide_reasoning"))
		if err != nil {
			http.Error(w, "hide_reasoning must be a boolean", http.StatusBadRequest)
			return
		}
		hide = &v
	}

	var temperature *float32
	if _, ok := r.PostForm["temperature"]; ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(r.PostForm.Get("temperature")), 32)
		if err != nil {
			http.Error(w, "temperature must be a number", http.StatusBadRequest)
			return
		}
		t := float32(v)
		temperature = &t
	}

	_, hasPrompt := r.PostForm["system_prompt"]
	if hasPrompt || temperature != nil {
		if err := m.saveGeneration(r, hasPrompt, temperature); err != nil {
			m.logger.Error("Failed to save settings", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if hide != nil {
		if err := m.chats.SetHideReasoning(r.Context(), *hide); err != nil {
			m.logger.Error("Failed to save settings", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) saveGeneration(r *http.Request, hasPrompt bool, temperature *float32) error {
	settings, err := m.chats.Settings(r.Context())
	if err != nil {
		return err
	}
	if hasPrompt {
		settings.SystemPrompt = strings.TrimSpace(r.PostForm.Get("system_prompt"))
	}
	if temperature != nil {
		settings.Temperature = *temperature
	}
	_, err = m.chats.SetGeneration(r.Context(), settings.SystemPrompt, settings.Temperature)
	return err
}

// PolicyApplied publishes every re-rendered message, keyed by message ID, to all clients.
func (m Main) PolicyApplied(hideReasoning bool, msgs []render.Message) {
	ev := policyEvent{
		HideReasoning: hideReasoning,
		Messages:      make(map[string]string, len(msgs)),
	}
	for _, msg := range msgs {
		ev.Messages[msg.ID] = msg.HTML
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal settings event", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: settingsSSEType}
	e.AppendData(string(data))
	if err := m.sseSrv.Publish(&e); err != nil {
		m.logger.Error("Failed to publish settings", slog.String(errLoggerKey, err.Error()))
	}
}
