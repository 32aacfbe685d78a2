package reasoning_test

import (
	"testing"

	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/stretchr/testify/assert"
)

func answer(text string) reasoning.Segment {
	return reasoning.Segment{Kind: reasoning.KindAnswer, Text: text}
}

func closed(text string) reasoning.Segment {
	return reasoning.Segment{Kind: reasoning.KindReasoning, Text: text, Delimited: true, Closed: true}
}

func open(text string) reasoning.Segment {
	return reasoning.Segment{Kind: reasoning.KindReasoning, Text: text, Delimited: true}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []reasoning.Segment
	}{
		{
			name: "empty buffer",
			raw:  "",
			want: []reasoning.Segment{answer("")},
		},
		{
			name: "no delimiters",
			raw:  "Just an answer with <b>markup</b>",
			want: []reasoning.Segment{answer("Just an answer with <b>markup</b>")},
		},
		{
			name: "reasoning then answer",
			raw:  "<think>step one</think>Answer: 4",
			want: []reasoning.Segment{closed("step one"), answer("Answer: 4")},
		},
		{
			name: "unclosed span runs to the end",
			raw:  "Intro <think>still thinking",
			want: []reasoning.Segment{answer("Intro "), open("still thinking")},
		},
		{
			name: "just opened",
			raw:  "<think>",
			want: []reasoning.Segment{open("")},
		},
		{
			name: "multiple spans are matched non-greedily",
			raw:  "a<think>one</think>b<think>two</think>c",
			want: []reasoning.Segment{
				answer("a"), closed("one"), answer("b"), closed("two"), answer("c"),
			},
		},
		{
			name: "empty span is kept",
			raw:  "<think></think>Response only",
			want: []reasoning.Segment{closed(""), answer("Response only")},
		},
		{
			name: "stray closing delimiter is answer text",
			raw:  "oops</think> fine",
			want: []reasoning.Segment{answer("oops</think> fine")},
		},
		{
			name: "nested opening delimiter is reasoning text",
			raw:  "<think>a<think>b</think>c",
			want: []reasoning.Segment{closed("a<think>b"), answer("c")},
		},
		{
			name: "partial opening delimiter stays answer",
			raw:  "Hello <thi",
			want: []reasoning.Segment{answer("Hello <thi")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := reasoning.Extract(tt.raw)

			assert.Equal(t, tt.want, doc.Segments)
			assert.Equal(t, tt.raw, doc.Raw())
		})
	}
}

func TestExtractCustomDelimiters(t *testing.T) {
	e := reasoning.Extractor{Delimiters: reasoning.Delimiters{Open: "<thinking>", Close: "</thinking>"}}

	doc := e.Extract("<thinking>hmm</thinking>Yes. <think>not mine</think>")

	assert.Equal(t, []reasoning.Segment{
		closed("hmm"),
		answer("Yes. <think>not mine</think>"),
	}, doc.Segments)
	assert.Equal(t, "<thinking>hmm</thinking>Yes. <think>not mine</think>", doc.Raw())
}

func TestDocumentAccessors(t *testing.T) {
	doc := reasoning.Extract("Intro. <think>why</think>Because.")

	assert.True(t, doc.HasReasoning())
	assert.Equal(t, "Intro. Because.", doc.Answer())
	assert.Equal(t, "Intro. Because.", doc.Visible(true))
	assert.Equal(t, "Intro. <think>why</think>Because.", doc.Visible(false))

	plain := reasoning.Extract("plain")
	assert.False(t, plain.HasReasoning())
	assert.Equal(t, plain.Visible(false), plain.Visible(true))
}

func TestExtractLegacySteps(t *testing.T) {
	e := reasoning.Extractor{LegacySteps: true}

	raw := "Sure.\nLet's approach this step by step:\n1) Read it\n2) Solve it\nThe answer is 4.\n\n1. keep\n2. this list"
	doc := e.Extract(raw)

	assert.Equal(t, []reasoning.Segment{
		answer("Sure.\n"),
		{Kind: reasoning.KindReasoning, Text: "Let's approach this step by step:\n1) Read it\n2) Solve it\n", Closed: true},
		answer("The answer is 4.\n\n1. keep\n2. this list"),
	}, doc.Segments)
	assert.Equal(t, raw, doc.Raw())

	// Numbered lists without the intro line are never touched.
	list := "1) first\n2) second"
	assert.Equal(t, []reasoning.Segment{answer(list)}, e.Extract(list).Segments)
	// Off by default.
	assert.False(t, reasoning.Extract(raw).HasReasoning())
}

type span struct {
	offset int
	seg    reasoning.Segment
}

func closedSpans(doc reasoning.Document) []span {
	var spans []span
	offset := 0
	for _, seg := range doc.Segments {
		if seg.Kind == reasoning.KindReasoning && seg.Delimited {
			offset += len(doc.Delimiters.Open)
			if seg.Closed {
				spans = append(spans, span{offset: offset, seg: seg})
			}
			offset += len(seg.Text)
			if seg.Closed {
				offset += len(doc.Delimiters.Close)
			}
			continue
		}
		offset += len(seg.Text)
	}
	return spans
}

func TestExtractConsistentUnderGrowth(t *testing.T) {
	final := "Plan: <think>first idea</think>Middle <think>second</think> end <think>trailing"
	finalSpans := closedSpans(reasoning.Extract(final))

	for i := 0; i <= len(final); i++ {
		prefix := final[:i]
		doc := reasoning.Extract(prefix)

		assert.Equal(t, prefix, doc.Raw(), "prefix %d", i)
		for _, sp := range closedSpans(doc) {
			assert.Contains(t, finalSpans, sp, "prefix %d contradicts a closed span", i)
		}
	}
}
