package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/lmchat/internal/chat"
	"github.com/MegaGrindStone/lmchat/internal/markdown"
	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/MegaGrindStone/lmchat/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

const doneLine = "data: [DONE]\n\n"

type fakeLLM struct {
	mu       sync.Mutex
	body     func() io.ReadCloser
	err      error
	modelErr error
	requests [][]models.Message
	settings []models.Settings
}

func (f *fakeLLM) Stream(_ context.Context, messages []models.Message, settings models.Settings) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, slices.Clone(messages))
	f.settings = append(f.settings, settings)
	if f.err != nil {
		return nil, f.err
	}
	return f.body(), nil
}

func (f *fakeLLM) Model(_ context.Context, preferred string) (string, error) {
	if f.modelErr != nil {
		return "", f.modelErr
	}
	if preferred != "" {
		return preferred, nil
	}
	return "first-model", nil
}

func replying(text string) func() io.ReadCloser {
	return func() io.ReadCloser {
		return io.NopCloser(strings.NewReader(text))
	}
}

type memStore struct {
	mu       sync.Mutex
	seq      int
	chats    []models.Chat
	messages map[string][]models.Message
	settings models.Settings
}

func newMemStore() *memStore {
	return &memStore{messages: map[string][]models.Message{}, settings: models.DefaultSettings()}
}

var errNotFound = errors.New("not found")

func (m *memStore) Chats(context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chats), nil
}

func (m *memStore) Chat(_ context.Context, id string) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Chat{}, errNotFound
}

func (m *memStore) AddChat(_ context.Context, c models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c.ID = fmt.Sprintf("%d-%s", m.seq, c.ID)
	m.chats = append(m.chats, c)
	m.messages[c.ID] = nil
	return c.ID, nil
}

func (m *memStore) UpdateChat(_ context.Context, c models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.chats {
		if m.chats[i].ID == c.ID {
			m.chats[i] = c
			return nil
		}
	}
	return errNotFound
}

func (m *memStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = slices.DeleteFunc(m.chats, func(c models.Chat) bool { return c.ID == id })
	delete(m.messages, id)
	return nil
}

func (m *memStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.messages[chatID]
	if !ok {
		return nil, errNotFound
	}
	return slices.Clone(msgs), nil
}

func (m *memStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[chatID]; !ok {
		return "", errNotFound
	}
	m.seq++
	msg.ID = fmt.Sprintf("%d-%s", m.seq, msg.ID)
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}

func (m *memStore) UpdateMessage(_ context.Context, chatID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return nil
		}
	}
	return errNotFound
}

func (m *memStore) Settings(context.Context) (models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) SaveSettings(_ context.Context, s models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s.Normalize()
	return nil
}

type recorder struct {
	mu       sync.Mutex
	updates  []chat.Update
	chats    int
	policies [][]render.Message
}

func (r *recorder) MessageUpdated(u chat.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) ChatsUpdated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats++
}

func (r *recorder) PolicyApplied(_ bool, msgs []render.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, msgs)
}

func (r *recorder) last() chat.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newService(t *testing.T, llm chat.LLM, store chat.Store) (*chat.Service, *recorder) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := chat.NewService(context.Background(), llm, store, markdown.New(), reasoning.Extractor{}, logger)
	require.NoError(t, err)

	rec := &recorder{}
	svc.SetObserver(rec)
	return svc, rec
}

func TestServiceSend(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("<think>") + delta("step one") + delta("</think>Answer: 4") + doneLine)}
	store := newMemStore()
	svc, rec := newService(t, llm, store)
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "What is 2 + 2? Please explain it step by step.")
	require.NoError(t, err)
	svc.Wait()

	assert.True(t, ex.NewChat)
	assert.Equal(t, 1, rec.chats)

	chats, err := svc.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "What is 2 + 2? Please explain ...", chats[0].Title)

	final := rec.last()
	assert.True(t, final.Final)
	assert.Equal(t, ex.Assistant.ID, final.MessageID)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.True(t, final.HasReasoning)
	assert.Contains(t, final.HTML, "step one")
	assert.Contains(t, final.HTML, "<p>Answer: 4</p>")
	assert.Empty(t, final.Error)

	views, err := svc.Messages(ctx, ex.ChatID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, models.RoleUser, views[0].Role)
	assert.Empty(t, views[0].HTML)
	assert.Equal(t, "<think>step one</think>Answer: 4", views[1].Content)
	assert.Equal(t, models.StateCompleted, views[1].State)
	assert.Equal(t, final.HTML, views[1].HTML)

	require.Len(t, llm.settings, 1)
	assert.Equal(t, "first-model", llm.settings[0].Model)
	assert.False(t, svc.Streaming(ex.ChatID))
}

func TestServiceSendContinuesChat(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("ok") + doneLine)}
	svc, _ := newService(t, llm, newMemStore())
	ctx := context.Background()

	first, err := svc.Send(ctx, "", "one")
	require.NoError(t, err)
	svc.Wait()

	second, err := svc.Send(ctx, first.ChatID, "two")
	require.NoError(t, err)
	svc.Wait()

	assert.False(t, second.NewChat)
	require.Len(t, llm.requests, 2)
	contents := make([]string, len(llm.requests[1]))
	for i, m := range llm.requests[1] {
		contents[i] = m.Content
	}
	assert.Equal(t, []string{"one", "ok", "two"}, contents)
}

func TestServiceSendErrors(t *testing.T) {
	svc, _ := newService(t, &fakeLLM{body: replying(doneLine)}, newMemStore())

	_, err := svc.Send(context.Background(), "", "")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	_, err = svc.Send(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, errNotFound)
}

func TestServiceOneActiveStreamPerChat(t *testing.T) {
	pr, pw := io.Pipe()
	llm := &fakeLLM{body: func() io.ReadCloser { return pr }}
	svc, rec := newService(t, llm, newMemStore())
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "first")
	require.NoError(t, err)
	assert.True(t, svc.Streaming(ex.ChatID))

	_, err = svc.Send(ctx, ex.ChatID, "second")
	assert.ErrorIs(t, err, chat.ErrStreamActive)
	_, err = svc.Regenerate(ctx, ex.ChatID)
	assert.ErrorIs(t, err, chat.ErrStreamActive)

	_, err = pw.Write([]byte(delta("Hello ") + delta("wor")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.updates) > 0
	}, time.Second, time.Millisecond)

	assert.True(t, svc.Abort(ex.ChatID))
	svc.Wait()
	_ = pw.Close()

	final := rec.last()
	assert.True(t, final.Final)
	assert.Equal(t, models.StateAborted, final.State)
	assert.Equal(t, "<p>Hello wor</p>", final.HTML)
	assert.False(t, svc.Abort(ex.ChatID))

	views, err := svc.Messages(ctx, ex.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Hello wor", views[1].Content)
	assert.Equal(t, models.StateAborted, views[1].State)
}

func TestServiceTransportFailure(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{name: "stream fails to open", llm: &fakeLLM{err: errors.New("connection refused")}},
		{name: "no model available", llm: &fakeLLM{modelErr: errors.New("no models available")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, rec := newService(t, tt.llm, newMemStore())
			ctx := context.Background()

			ex, err := svc.Send(ctx, "", "hi")
			require.NoError(t, err)
			svc.Wait()

			final := rec.last()
			assert.True(t, final.Final)
			assert.Equal(t, models.StateFailed, final.State)
			assert.Equal(t, chat.FailureText, final.Error)

			views, err := svc.Messages(ctx, ex.ChatID)
			require.NoError(t, err)
			assert.Equal(t, models.StateFailed, views[1].State)
			assert.Equal(t, chat.FailureText, views[1].Error)
		})
	}
}

func TestServiceRegenerate(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("first answer") + doneLine)}
	svc, rec := newService(t, llm, newMemStore())
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "question")
	require.NoError(t, err)
	svc.Wait()

	llm.body = replying(delta("better") + doneLine)
	msg, err := svc.Regenerate(ctx, ex.ChatID)
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, ex.Assistant.ID, msg.ID)
	assert.Equal(t, "<p>better</p>", rec.last().HTML)

	require.Len(t, llm.requests, 2)
	require.Len(t, llm.requests[1], 1)
	assert.Equal(t, "question", llm.requests[1][0].Content)

	views, err := svc.Messages(ctx, ex.ChatID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "better", views[1].Content)

	empty, err := svc.Send(ctx, "", "x")
	require.NoError(t, err)
	svc.Wait()
	require.NoError(t, svc.DeleteChat(ctx, empty.ChatID))
	_, err = svc.Regenerate(ctx, empty.ChatID)
	assert.Error(t, err)
}

func TestServiceSetHideReasoning(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("<think>step one</think>Answer: 4") + doneLine)}
	store := newMemStore()
	svc, rec := newService(t, llm, store)
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "q")
	require.NoError(t, err)
	svc.Wait()
	shown := rec.last().HTML

	require.NoError(t, svc.SetHideReasoning(ctx, true))
	assert.True(t, svc.HideReasoning())
	settings, err := svc.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.HideReasoning)

	require.Len(t, rec.policies, 1)
	require.Len(t, rec.policies[0], 1)
	assert.Equal(t, "<p>Answer: 4</p>", rec.policies[0][0].HTML)

	views, err := svc.Messages(ctx, ex.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "<p>Answer: 4</p>", views[1].HTML)

	require.NoError(t, svc.SetHideReasoning(ctx, false))
	assert.Equal(t, shown, rec.policies[1][0].HTML)

	// A new service picks the stored policy up.
	require.NoError(t, svc.SetHideReasoning(ctx, true))
	restarted, _ := newService(t, llm, store)
	assert.True(t, restarted.HideReasoning())
}

func TestServiceDeleteChat(t *testing.T) {
	svc, rec := newService(t, &fakeLLM{body: replying(delta("x") + doneLine)}, newMemStore())
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "hi")
	require.NoError(t, err)
	svc.Wait()

	require.NoError(t, svc.DeleteChat(ctx, ex.ChatID))
	assert.Equal(t, 2, rec.chats)

	chats, err := svc.Chats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestServiceClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	llm := &fakeLLM{body: func() io.ReadCloser { return pr }}
	svc, rec := newService(t, llm, newMemStore())
	ctx := context.Background()

	ex, err := svc.Send(ctx, "", "first")
	require.NoError(t, err)

	_, err = pw.Write([]byte(delta("partial")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.updates) > 0
	}, time.Second, time.Millisecond)

	svc.Close()

	assert.False(t, svc.Streaming(ex.ChatID))
	final := rec.last()
	assert.True(t, final.Final)
	assert.Equal(t, models.StateAborted, final.State)

	views, err := svc.Messages(ctx, ex.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "partial", views[1].Content)
}

// gatedObserver holds the final message update until proceed is closed and records deliveries in order.
type gatedObserver struct {
	mu      sync.Mutex
	events  []string
	entered chan struct{}
	proceed chan struct{}
}

func (o *gatedObserver) MessageUpdated(u chat.Update) {
	if !u.Final {
		return
	}
	close(o.entered)
	<-o.proceed

	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("message reasoningShown=%t", strings.Contains(u.HTML, "step one")))
}

func (o *gatedObserver) ChatsUpdated() {}

func (o *gatedObserver) PolicyApplied(hide bool, msgs []render.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		o.events = append(o.events,
			fmt.Sprintf("policy hide=%t reasoningShown=%t", hide, strings.Contains(m.HTML, "step one")))
	}
}

func TestServicePolicyChangeWaitsForRenderDelivery(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("<think>step one</think>") + delta("Answer: 4") + doneLine)}
	svc, _ := newService(t, llm, newMemStore())
	obs := &gatedObserver{entered: make(chan struct{}), proceed: make(chan struct{})}
	svc.SetObserver(obs)
	ctx := context.Background()

	_, err := svc.Send(ctx, "", "q")
	require.NoError(t, err)

	select {
	case <-obs.entered:
	case <-time.After(time.Second):
		t.Fatal("final update was not delivered")
	}

	done := make(chan error, 1)
	go func() { done <- svc.SetHideReasoning(ctx, true) }()

	select {
	case err := <-done:
		close(obs.proceed)
		t.Fatalf("policy applied while an older render was being delivered (err = %v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(obs.proceed)
	require.NoError(t, <-done)
	svc.Wait()

	assert.Equal(t, []string{
		"message reasoningShown=true",
		"policy hide=true reasoningShown=false",
	}, obs.events)
}

func TestServiceSetGeneration(t *testing.T) {
	llm := &fakeLLM{body: replying(delta("ok") + doneLine)}
	store := newMemStore()
	svc, _ := newService(t, llm, store)
	ctx := context.Background()

	settings, err := svc.SetGeneration(ctx, "Be brief.", 7)
	require.NoError(t, err)
	assert.Equal(t, models.MaxTemperature, settings.Temperature)

	require.NoError(t, svc.SetHideReasoning(ctx, true))
	settings, err = svc.SetGeneration(ctx, "Be brief.", 0.3)
	require.NoError(t, err)
	assert.True(t, settings.HideReasoning)

	_, err = svc.Send(ctx, "", "q")
	require.NoError(t, err)
	svc.Wait()

	require.Len(t, llm.settings, 1)
	assert.Equal(t, "Be brief.", llm.settings[0].SystemPrompt)
	assert.InDelta(t, 0.3, llm.settings[0].Temperature, 1e-6)
}
