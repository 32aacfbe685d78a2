// Package reasoning splits a model reply into answer text and the reasoning spans that reasoning models
// emit between a pair of tag-like delimiters, <think> and </think> by default.
//
// Extraction is a pure function of the whole buffer. It is meant to be called again on every growth of a
// streamed reply: spans that are closed in a prefix keep their boundaries in every extension of it.
package reasoning

import (
	"regexp"
	"strings"
)

// Kind classifies a Segment.
type Kind int

const (
	// KindAnswer is text meant for the user.
	KindAnswer Kind = iota
	// KindReasoning is intermediate "thinking" text.
	KindReasoning
)

func (k Kind) String() string {
	if k == KindReasoning {
		return "reasoning"
	}
	return "answer"
}

// Segment is a contiguous run of text of a single kind.
type Segment struct {
	Kind Kind
	Text string

	// Delimited is true for reasoning found between delimiters, false for reasoning recognized by the
	// legacy numbered-step heuristic. Delimiters are not part of Text.
	Delimited bool
	// Closed reports whether a delimited reasoning span has seen its closing delimiter. An unclosed span
	// runs to the end of the buffer.
	Closed bool
}

// Delimiters is the literal pair of markers around a reasoning span.
type Delimiters struct {
	Open  string
	Close string
}

// DefaultDelimiters are the markers emitted by DeepSeek-R1 style reasoning models.
var DefaultDelimiters = Delimiters{Open: "<think>", Close: "</think>"}

// Document is the ordered segmentation of a raw reply.
type Document struct {
	Segments   []Segment
	Delimiters Delimiters
}

// HasReasoning reports whether the document contains a reasoning segment, including an unclosed or empty
// one.
func (d Document) HasReasoning() bool {
	for _, seg := range d.Segments {
		if seg.Kind == KindReasoning {
			return true
		}
	}
	return false
}

// Raw reconstructs the buffer the document was extracted from, reinserting delimiters around delimited
// reasoning segments.
func (d Document) Raw() string {
	var sb strings.Builder
	for _, seg := range d.Segments {
		if seg.Kind == KindReasoning && seg.Delimited {
			sb.WriteString(d.Delimiters.Open)
			sb.WriteString(seg.Text)
			if seg.Closed {
				sb.WriteString(d.Delimiters.Close)
			}
			continue
		}
		sb.WriteString(seg.Text)
	}
	return sb.String()
}

// Answer returns the concatenated answer segments.
func (d Document) Answer() string {
	var sb strings.Builder
	for _, seg := range d.Segments {
		if seg.Kind == KindAnswer {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// Visible returns the text a reader sees under the given policy: the whole raw reply, or only its answer.
func (d Document) Visible(hideReasoning bool) string {
	if hideReasoning {
		return d.Answer()
	}
	return d.Raw()
}

// Extractor partitions raw replies into documents. The zero value uses DefaultDelimiters and leaves the
// legacy heuristic off.
type Extractor struct {
	Delimiters Delimiters

	// LegacySteps enables best-effort detection of undelimited reasoning written as an intro line
	// ("Let's approach this step by step:") followed by "1)", "2)", ... lines. Only text matching that
	// pattern is reclassified.
	LegacySteps bool
}

var legacyStepsPattern = regexp.MustCompile(`(?m)^Let's approach this step by step:\n(?:\d+\)[^\n]*(?:\n|$))+`)

// Extract segments raw with the default extractor.
func Extract(raw string) Document {
	return Extractor{}.Extract(raw)
}

// Extract segments raw. Spans are matched non-greedily: each opening delimiter pairs with the first
// closing delimiter after it. An opening delimiter without a closing one starts a reasoning segment that
// runs to the end of the buffer. A closing delimiter without an opening one is answer text. Empty answer
// runs between spans are omitted; reasoning segments are kept even when empty so Raw stays exact. A
// buffer without delimiters, the empty one included, is exactly one answer segment.
func (e Extractor) Extract(raw string) Document {
	delims := e.Delimiters
	if delims.Open == "" || delims.Close == "" {
		delims = DefaultDelimiters
	}
	doc := Document{Delimiters: delims}

	rest := raw
	for {
		i := strings.Index(rest, delims.Open)
		if i < 0 {
			doc.Segments = e.appendAnswer(doc.Segments, rest)
			break
		}
		doc.Segments = e.appendAnswer(doc.Segments, rest[:i])
		rest = rest[i+len(delims.Open):]

		j := strings.Index(rest, delims.Close)
		if j < 0 {
			doc.Segments = append(doc.Segments, Segment{Kind: KindReasoning, Text: rest, Delimited: true})
			break
		}
		doc.Segments = append(doc.Segments, Segment{
			Kind:      KindReasoning,
			Text:      rest[:j],
			Delimited: true,
			Closed:    true,
		})
		rest = rest[j+len(delims.Close):]
	}
	if len(doc.Segments) == 0 {
		doc.Segments = []Segment{{Kind: KindAnswer}}
	}
	return doc
}

func (e Extractor) appendAnswer(segs []Segment, text string) []Segment {
	if text == "" {
		return segs
	}
	if !e.LegacySteps {
		return append(segs, Segment{Kind: KindAnswer, Text: text})
	}

	last := 0
	for _, loc := range legacyStepsPattern.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Kind: KindAnswer, Text: text[last:loc[0]]})
		}
		segs = append(segs, Segment{Kind: KindReasoning, Text: text[loc[0]:loc[1]], Closed: true})
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, Segment{Kind: KindAnswer, Text: text[last:]})
	}
	return segs
}
