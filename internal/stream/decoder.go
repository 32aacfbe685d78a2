// Package stream decodes a chat-completions event stream and accumulates its text deltas into a per-session
// raw buffer.
//
// The wire format is newline-delimited JSON, each line optionally carrying a "data:" prefix, terminated by a
// "[DONE]" sentinel line. A Decoder turns arbitrary chunks of that stream into Frames; a Session consumes the
// frames of one generation request and tracks its lifecycle.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tidwall/gjson"
)

// FrameKind classifies a decoded line of the stream.
type FrameKind int

const (
	// FrameDelta carries an incremental text fragment. Text may be empty for role-only frames.
	FrameDelta FrameKind = iota
	// FrameDone is the completion sentinel.
	FrameDone
	// FrameMalformed is a line that could not be decoded. It never terminates the stream.
	FrameMalformed
)

// Frame is one decoded network unit.
type Frame struct {
	Kind FrameKind
	Text string

	// Raw is the line after prefix stripping.
	Raw string
	// Err explains why a FrameMalformed frame was rejected.
	Err error
}

const (
	// DefaultPrefix is the server-sent events field name that precedes each JSON payload.
	DefaultPrefix = "data:"
	// DefaultSentinel is the payload that signals stream completion.
	DefaultSentinel = "[DONE]"
	// DefaultContentPath is the gjson path of the text fragment inside a chat-completions chunk.
	DefaultContentPath = "choices.0.delta.content"

	readBufferSize = 4096
)

// Decoder turns a chunked byte stream into Frames. It buffers a trailing partial line across chunk
// boundaries and only decodes complete lines. A Decoder belongs to a single stream and is not safe for
// concurrent use.
type Decoder struct {
	prefix      string
	sentinel    string
	contentPath string

	pending []byte
	done    bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithPrefix sets the textual prefix stripped from each line. An empty prefix disables stripping.
func WithPrefix(prefix string) DecoderOption {
	return func(d *Decoder) {
		d.prefix = prefix
	}
}

// WithSentinel sets the completion sentinel line.
func WithSentinel(sentinel string) DecoderOption {
	return func(d *Decoder) {
		d.sentinel = sentinel
	}
}

// WithContentPath sets the gjson path of the delta text. Ollama's native API, for example, uses
// "message.content".
func WithContentPath(path string) DecoderOption {
	return func(d *Decoder) {
		d.contentPath = path
	}
}

// NewDecoder returns a Decoder for the OpenAI-compatible chat-completions stream format.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		prefix:      DefaultPrefix,
		sentinel:    DefaultSentinel,
		contentPath: DefaultContentPath,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Done reports whether the completion sentinel has been decoded. Input fed after that is ignored.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends a chunk to the decoder and returns the frames of every line completed by it, in arrival
// order. Decoding stops at the completion sentinel.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]

		f, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		frames = append(frames, f)
		if f.Kind == FrameDone {
			d.done = true
			d.pending = nil
			break
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return frames
}

// Flush decodes whatever is left in the buffer as a final line. It is called when the transport closes
// without a trailing newline.
func (d *Decoder) Flush() []Frame {
	if d.done || len(d.pending) == 0 {
		d.pending = nil
		return nil
	}
	line := string(d.pending)
	d.pending = nil

	f, ok := d.decodeLine(line)
	if !ok {
		return nil
	}
	if f.Kind == FrameDone {
		d.done = true
	}
	return []Frame{f}
}

func (d *Decoder) decodeLine(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	if d.prefix != "" && strings.HasPrefix(line, d.prefix) {
		line = strings.TrimSpace(line[len(d.prefix):])
	}
	if line == "" {
		return Frame{}, false
	}
	if line == d.sentinel {
		return Frame{Kind: FrameDone, Raw: line}, true
	}

	if !gjson.Valid(line) {
		return Frame{
			Kind: FrameMalformed,
			Raw:  line,
			Err:  fmt.Errorf("%w: invalid json", ErrMalformedFrame),
		}, true
	}

	if e := gjson.Get(line, "error"); e.Exists() {
		msg := e.String()
		if m := e.Get("message"); m.Exists() {
			msg = m.String()
		}
		return Frame{
			Kind: FrameMalformed,
			Raw:  line,
			Err:  fmt.Errorf("%w: server error: %s", ErrMalformedFrame, msg),
		}, true
	}

	f := Frame{Kind: FrameDelta, Raw: line}
	if content := gjson.Get(line, d.contentPath); content.Type == gjson.String {
		f.Text = content.Str
	}
	return f, true
}

type readResult struct {
	data []byte
	err  error
}

// Chunks reads r until the completion sentinel, end of input or cancellation of ctx, yielding the frames
// completed by each chunk read. Chunks that complete no line yield nothing. Cancellation yields ctx.Err()
// as the final element; any other read failure is yielded as is. Reaching io.EOF flushes the decoder and
// ends the sequence without an error.
//
// The reads happen on a separate goroutine so a reader blocked in Read cannot delay cancellation. That
// goroutine exits as soon as its pending Read returns.
func (d *Decoder) Chunks(ctx context.Context, r io.Reader) iter.Seq2[[]Frame, error] {
	return func(yield func([]Frame, error) bool) {
		reads := make(chan readResult)
		stop := make(chan struct{})
		defer close(stop)

		go func() {
			buf := make([]byte, readBufferSize)
			for {
				n, err := r.Read(buf)
				res := readResult{err: err}
				if n > 0 {
					res.data = append([]byte(nil), buf[:n]...)
				}
				select {
				case reads <- res:
				case <-stop:
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			var res readResult
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case res = <-reads:
			}

			if len(res.data) > 0 {
				if frames := d.Feed(res.data); len(frames) > 0 {
					if !yield(frames, nil) {
						return
					}
				}
				if d.Done() {
					return
				}
			}

			if res.err == nil {
				continue
			}
			if errors.Is(res.err, io.EOF) {
				if frames := d.Flush(); len(frames) > 0 {
					yield(frames, nil)
				}
				return
			}
			// Closing a response body on cancellation surfaces as a read error.
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			yield(nil, res.err)
			return
		}
	}
}

// Frames is Chunks flattened into individual frames.
func (d *Decoder) Frames(ctx context.Context, r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for frames, err := range d.Chunks(ctx, r) {
			if err != nil {
				yield(Frame{}, err)
				return
			}
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}
