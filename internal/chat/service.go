// Package chat orchestrates conversations: it stores messages, runs one stream session per conversation,
// feeds every snapshot of the reply through the render cache, and reports the result to an Observer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/MegaGrindStone/lmchat/internal/render"
	"github.com/MegaGrindStone/lmchat/internal/stream"
	"github.com/google/uuid"
)

// LLM opens streamed chat completions.
type LLM interface {
	// Stream returns the raw event stream of a completion of messages.
	Stream(ctx context.Context, messages []models.Message, settings models.Settings) (io.ReadCloser, error)
	// Model resolves the model to use, preferring the given one.
	Model(ctx context.Context, preferred string) (string, error)
}

// Store defines the persistence of chats, messages and settings.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error

	Settings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error
}

// Update is a re-rendered assistant message.
type Update struct {
	ChatID       string
	MessageID    string
	HTML         string
	HasReasoning bool
	State        models.State
	Error        string
	// Final is set on the last update of a generation.
	Final bool
}

// Observer receives the results of background work. Message updates and policy changes are delivered
// one at a time, in the order they were rendered; observers must not call SetHideReasoning from them.
type Observer interface {
	MessageUpdated(u Update)
	ChatsUpdated()
	PolicyApplied(hideReasoning bool, msgs []render.Message)
}

// View is a stored message together with its rendering. HTML is only set for assistant messages.
type View struct {
	models.Message

	HTML         string
	HasReasoning bool
}

// Exchange describes a generation that was started.
type Exchange struct {
	ChatID    string
	NewChat   bool
	User      models.Message
	Assistant models.Message
}

// Service is the chat orchestrator.
type Service struct {
	llm   LLM
	store Store
	cache *render.Cache

	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]*generation
	observer Observer
	wg       sync.WaitGroup

	// renderMu orders renders with their delivery, so an update rendered under an old policy never
	// reaches the observer after the new policy.
	renderMu sync.Mutex
}

type generation struct {
	session *stream.Session
	cancel  context.CancelFunc
}

var (
	// ErrStreamActive is returned when a generation is requested for a chat that is still streaming.
	ErrStreamActive = errors.New("a response is already being generated for this chat")
	// ErrEmptyMessage is returned when the user message is empty.
	ErrEmptyMessage = errors.New("message is required")
	// ErrNothingToRegenerate is returned when a chat has no assistant reply to regenerate.
	ErrNothingToRegenerate = errors.New("no response to regenerate")
)

// FailureText is shown in place of a reply whose stream failed.
const FailureText = "An error occurred while fetching the response. Please check your LM Studio server connection."

const errLoggerKey = "err"

type nopObserver struct{}

func (nopObserver) MessageUpdated(Update)                {}
func (nopObserver) ChatsUpdated()                        {}
func (nopObserver) PolicyApplied(bool, []render.Message) {}

// NewService creates a Service. The render cache starts with the stored hide-reasoning setting.
func NewService(
	ctx context.Context,
	llm LLM,
	store Store,
	renderer render.Renderer,
	extractor reasoning.Extractor,
	logger *slog.Logger,
) (*Service, error) {
	settings, err := store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	return &Service{
		llm:      llm,
		store:    store,
		cache:    render.NewCache(extractor, renderer, settings.HideReasoning),
		logger:   logger.With(slog.String("module", "chat")),
		active:   make(map[string]*generation),
		observer: nopObserver{},
	}, nil
}

// SetObserver sets the receiver of background updates.
func (s *Service) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

func (s *Service) obs() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// Wait blocks until every background generation has ended.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close aborts every running generation and waits for them to end. Their partial replies are stored as
// aborted.
func (s *Service) Close() {
	s.mu.Lock()
	for _, gen := range s.active {
		gen.cancel()
		if gen.session != nil {
			gen.session.Cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Chats returns all chats, newest first.
func (s *Service) Chats(ctx context.Context) ([]models.Chat, error) {
	return s.store.Chats(ctx)
}

// Settings returns the stored settings.
func (s *Service) Settings(ctx context.Context) (models.Settings, error) {
	return s.store.Settings(ctx)
}

// HideReasoning reports the policy messages are currently rendered with.
func (s *Service) HideReasoning() bool {
	return s.cache.HideReasoning()
}

// Streaming reports whether a generation is running for the chat.
func (s *Service) Streaming(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[chatID]
	return ok
}

// Send stores text as a user message of the chat and starts generating the reply in the background. An
// empty chatID starts a new chat titled after text.
func (s *Service) Send(ctx context.Context, chatID, text string) (Exchange, error) {
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	ex := Exchange{ChatID: chatID}
	if chatID == "" {
		id, err := s.store.AddChat(ctx, models.Chat{ID: uuid.New().String(), Title: models.TitleFrom(text)})
		if err != nil {
			return Exchange{}, fmt.Errorf("failed to add chat: %w", err)
		}
		ex.ChatID, ex.NewChat = id, true
		s.obs().ChatsUpdated()
	} else if _, err := s.store.Chat(ctx, chatID); err != nil {
		return Exchange{}, fmt.Errorf("failed to get chat: %w", err)
	}

	gen, genCtx, err := s.reserve(ex.ChatID)
	if err != nil {
		return Exchange{}, err
	}

	history, err := s.store.Messages(ctx, ex.ChatID)
	if err != nil {
		s.release(ex.ChatID, gen)
		return Exchange{}, fmt.Errorf("failed to get messages: %w", err)
	}

	ex.User = models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	if ex.User.ID, err = s.store.AddMessage(ctx, ex.ChatID, ex.User); err != nil {
		s.release(ex.ChatID, gen)
		return Exchange{}, fmt.Errorf("failed to add user message: %w", err)
	}
	history = append(history, ex.User)

	ex.Assistant = models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
		State:     models.StateLoading,
	}
	if ex.Assistant.ID, err = s.store.AddMessage(ctx, ex.ChatID, ex.Assistant); err != nil {
		s.release(ex.ChatID, gen)
		return Exchange{}, fmt.Errorf("failed to add assistant message: %w", err)
	}

	s.start(genCtx, gen, ex.ChatID, ex.Assistant, history)
	return ex, nil
}

// Regenerate discards the last assistant reply of the chat and generates it again from the messages
// before it.
func (s *Service) Regenerate(ctx context.Context, chatID string) (models.Message, error) {
	messages, err := s.store.Messages(ctx, chatID)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get messages: %w", err)
	}

	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Message{}, ErrNothingToRegenerate
	}

	gen, genCtx, err := s.reserve(chatID)
	if err != nil {
		return models.Message{}, err
	}

	msg := messages[idx]
	msg.Content, msg.Error, msg.State = "", "", models.StateLoading
	msg.Timestamp = time.Now()
	if err := s.store.UpdateMessage(ctx, chatID, msg); err != nil {
		s.release(chatID, gen)
		return models.Message{}, fmt.Errorf("failed to reset message: %w", err)
	}
	s.cache.Reset(msg.ID, "")

	s.start(genCtx, gen, chatID, msg, messages[:idx])
	return msg, nil
}

// Abort cancels the generation running for the chat. The partial reply is kept. It reports whether a
// generation was running.
func (s *Service) Abort(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.active[chatID]
	if !ok {
		return false
	}
	gen.cancel()
	if gen.session != nil {
		gen.session.Cancel()
	}
	return true
}

// DeleteChat aborts any generation of the chat and removes it with its messages.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	s.Abort(chatID)

	messages, err := s.store.Messages(ctx, chatID)
	if err != nil {
		s.logger.Warn("Failed to get messages of deleted chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	for _, m := range messages {
		s.cache.Remove(m.ID)
	}

	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	s.obs().ChatsUpdated()
	return nil
}

// Messages returns the messages of the chat with assistant replies rendered under the current policy.
func (s *Service) Messages(ctx context.Context, chatID string) ([]View, error) {
	messages, err := s.store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	views := make([]View, len(messages))
	for i, m := range messages {
		views[i] = View{Message: m}
		if m.Role != models.RoleAssistant {
			continue
		}
		// A reply that is still streaming is newer in the cache than in the store; Upsert keeps the newer.
		rendered := s.cache.Upsert(m.ID, m.Content)
		views[i].HTML = rendered.HTML
		views[i].HasReasoning = rendered.HasReasoning
	}
	return views, nil
}

// SetHideReasoning stores the policy and re-renders every cached message under it.
func (s *Service) SetHideReasoning(ctx context.Context, hide bool) error {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings.HideReasoning = hide
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	msgs := s.cache.ReapplyPolicy(hide)
	s.logger.Debug("Policy applied", slog.Bool("hideReasoning", hide), slog.Int("messages", len(msgs)))
	s.obs().PolicyApplied(hide, msgs)
	return nil
}

// SetGeneration stores the system prompt and temperature used for new replies. The temperature is
// clamped into its valid range.
func (s *Service) SetGeneration(ctx context.Context, systemPrompt string, temperature float32) (models.Settings, error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	settings.SystemPrompt = systemPrompt
	settings.Temperature = temperature
	settings = settings.Normalize()

	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return models.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return settings, nil
}

func (s *Service) reserve(chatID string) (*generation, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[chatID]; ok {
		return nil, nil, ErrStreamActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{cancel: cancel}
	s.active[chatID] = gen
	return gen, ctx, nil
}

// release ends the reservation of gen. A newer generation of the same chat is left alone.
func (s *Service) release(chatID string, gen *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen.cancel()
	if s.active[chatID] == gen {
		delete(s.active, chatID)
	}
}

func (s *Service) start(
	ctx context.Context,
	gen *generation,
	chatID string,
	msg models.Message,
	history []models.Message,
) {
	sess := stream.NewSession(msg.ID, s.logger)

	s.mu.Lock()
	gen.session = sess
	if ctx.Err() != nil {
		sess.Cancel()
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(chatID, gen)
		s.generate(ctx, gen, chatID, msg, history)
	}()
}

func (s *Service) generate(
	ctx context.Context,
	gen *generation,
	chatID string,
	msg models.Message,
	history []models.Message,
) {
	sess := gen.session
	notify := func(snap stream.Snapshot) {
		s.publish(gen, chatID, msg, snap)
	}

	body, err := s.open(ctx, history)
	if err != nil {
		notify(sess.Fail(err))
		return
	}
	defer body.Close()

	if err := sess.Run(ctx, body, stream.NewDecoder(), notify); err != nil {
		s.logger.Warn("Stream failed",
			slog.String("chatID", chatID),
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Service) open(ctx context.Context, history []models.Message) (io.ReadCloser, error) {
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := s.llm.Model(ctx, settings.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model: %w", err)
	}
	settings.Model = model

	return s.llm.Stream(ctx, history, settings)
}

func messageState(state stream.State) models.State {
	switch state {
	case stream.StateCompleted:
		return models.StateCompleted
	case stream.StateAborted:
		return models.StateAborted
	case stream.StateFailed:
		return models.StateFailed
	case stream.StateActive:
		return models.StateStreaming
	}
	return models.StateLoading
}

// publish renders a snapshot of the reply and reports it. The final snapshot is also persisted.
func (s *Service) publish(gen *generation, chatID string, msg models.Message, snap stream.Snapshot) {
	state := messageState(snap.State)
	var errText string
	if snap.State == stream.StateFailed {
		errText = FailureText
		s.logger.Error("Generation failed",
			slog.String("chatID", chatID),
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, fmt.Sprint(snap.Err)))
	}

	if snap.Final {
		msg.Content = snap.Raw
		msg.State = state
		msg.Error = errText
		if err := s.store.UpdateMessage(context.Background(), chatID, msg); err != nil {
			s.logger.Error("Failed to update message",
				slog.String("chatID", chatID),
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
		s.release(chatID, gen)
	}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	rendered := s.cache.Upsert(msg.ID, snap.Raw)
	s.obs().MessageUpdated(Update{
		ChatID:       chatID,
		MessageID:    msg.ID,
		HTML:         rendered.HTML,
		HasReasoning: rendered.HasReasoning,
		State:        state,
		Error:        errText,
		Final:        snap.Final,
	})
}
