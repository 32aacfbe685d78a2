// Package render keeps the rendered form of every chat message so a change of the hide-reasoning policy
// can be applied to the stored raw replies without touching the network.
package render

import (
	"strings"
	"sync"

	"github.com/MegaGrindStone/lmchat/internal/reasoning"
)

// Renderer converts a document to HTML under a hide-reasoning policy.
type Renderer interface {
	Render(doc reasoning.Document, hideReasoning bool) string
}

// Message is the cached rendering of one chat message.
type Message struct {
	ID           string
	Raw          string
	Document     reasoning.Document
	HTML         string
	HasReasoning bool
}

// Cache holds one Message per message ID. It is safe for concurrent use.
type Cache struct {
	extractor reasoning.Extractor
	renderer  Renderer

	mu            sync.Mutex
	hideReasoning bool
	order         []string
	entries       map[string]*Message
}

// NewCache creates an empty cache that renders with renderer under the given initial policy.
func NewCache(extractor reasoning.Extractor, renderer Renderer, hideReasoning bool) *Cache {
	return &Cache{
		extractor:     extractor,
		renderer:      renderer,
		hideReasoning: hideReasoning,
		entries:       make(map[string]*Message),
	}
}

// Upsert renders raw for the message id and caches the result. An update whose raw buffer is a strict
// prefix of the cached one is stale and leaves the entry untouched, so renders of a growing reply never
// go backwards. An unchanged buffer is not rendered again.
func (c *Cache) Upsert(id, raw string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.entries[id]; ok {
		if m.Raw == raw || (len(raw) < len(m.Raw) && strings.HasPrefix(m.Raw, raw)) {
			return *m
		}
	}
	return c.store(id, raw)
}

// Reset replaces the cached message unconditionally, for a reply that is being generated again.
func (c *Cache) Reset(id, raw string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store(id, raw)
}

func (c *Cache) store(id, raw string) Message {
	doc := c.extractor.Extract(raw)
	m, ok := c.entries[id]
	if !ok {
		m = &Message{ID: id}
		c.entries[id] = m
		c.order = append(c.order, id)
	}
	m.Raw = raw
	m.Document = doc
	m.HasReasoning = doc.HasReasoning()
	m.HTML = c.renderer.Render(doc, c.hideReasoning)
	return *m
}

// Get returns the cached message for id.
func (c *Cache) Get(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.entries[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Remove drops the message for id from the cache.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// HideReasoning reports the policy the cache currently renders with.
func (c *Cache) HideReasoning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hideReasoning
}

// ReapplyPolicy switches the policy and re-renders every cached message from its stored document. The
// re-rendered messages are returned in insertion order.
func (c *Cache) ReapplyPolicy(hideReasoning bool) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hideReasoning = hideReasoning
	msgs := make([]Message, 0, len(c.order))
	for _, id := range c.order {
		m := c.entries[id]
		m.HTML = c.renderer.Render(m.Document, hideReasoning)
		msgs = append(msgs, *m)
	}
	return msgs
}
