// Package markdown turns a segmented model reply into HTML that is safe to insert as markup.
//
// Every segment is escaped before any markup is produced. The Markdown subset is applied by a fixed
// sequence of pure stages, and the assembled HTML passes a bluemonday allow-list policy last.
package markdown

import (
	"fmt"
	"html"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/microcosm-cc/bluemonday"
)

// Renderer renders reasoning documents to HTML. It is safe for concurrent use once constructed.
type Renderer struct {
	highlighter codeHighlighter
	policy      *bluemonday.Policy
	// stages run in order over every segment, before its blocks are wrapped into paragraphs.
	stages []stage

	logger *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

const (
	reasoningIntro = `<div class="reasoning-intro"><i class="fas fa-brain"></i> Reasoning Process ` +
		`<span class="reasoning-toggle" title="Toggle visibility">[<span class="toggle-text">Hide</span>]</span></div>`

	errLoggerKey = "err"
)

// WithLogger sets the logger render faults are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		r.logger = logger.With(slog.String("module", "markdown"))
	}
}

// WithHighlighting enables chroma syntax highlighting of fenced code blocks that carry a language tag.
// Tokens are emitted as CSS classes of the named style; see CSS.
func WithHighlighting(style string) Option {
	return func(r *Renderer) {
		r.highlighter = newHighlighter(style)
	}
}

// New creates a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		policy: newPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r.stages = []stage{
		r.fencedCode,
		inlineCode,
		headings,
		lists,
		bold,
		italic,
		links,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render converts doc to HTML. With hideReasoning the reasoning containers are left out; the document
// itself is never modified. The output depends only on doc and hideReasoning.
func (r *Renderer) Render(doc reasoning.Document, hideReasoning bool) string {
	var sb strings.Builder
	for _, seg := range doc.Segments {
		if seg.Kind == reasoning.KindReasoning {
			if hideReasoning {
				continue
			}
			sb.WriteString(r.reasoningContainer(seg))
			continue
		}
		sb.WriteString(r.segment(seg.Text, "<p>", "</p>"))
	}
	return r.policy.Sanitize(sb.String())
}

// CSS returns the stylesheet for highlighted code blocks, or an empty string without highlighting.
func (r *Renderer) CSS() (string, error) {
	if r.highlighter == nil {
		return "", nil
	}
	return r.highlighter.css()
}

func (r *Renderer) reasoningContainer(seg reasoning.Segment) string {
	class := "think"
	if seg.Delimited && !seg.Closed {
		class += " think-open"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<div class="%s">`, class)
	sb.WriteString(reasoningIntro)
	sb.WriteString(`<div class="reasoning-content">`)
	sb.WriteString(r.segment(seg.Text, `<div class="reasoning-step">`, "</div>"))
	sb.WriteString("</div></div>")
	return sb.String()
}

// segment runs the stage pipeline over one segment's text. A stage that panics degrades the whole
// segment to escaped literal text in blocks wrapped by open/close.
func (r *Renderer) segment(raw, open, close string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logRenderFault("segment", fmt.Errorf("%v", rec))
			out = literal(raw, open, close)
		}
	}()

	t := escape(raw)
	for _, s := range r.stages {
		t = s(t)
	}
	return restore(paragraphs(open, close)(t))
}

func literal(raw, open, close string) string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, open+html.EscapeString(block)+close)
		}
	}
	return strings.Join(out, "\n")
}

func (r *Renderer) logRenderFault(stage string, err error) {
	r.logger.Warn("Render fault, falling back to literal text",
		slog.String("stage", stage),
		slog.String(errLoggerKey, err.Error()),
	)
}
