package markdown

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// text is the intermediate representation the stages pass along: escaped text with placeholders for
// fragments of finished HTML that later stages must not touch.
type text struct {
	body      string
	protected []string
}

// stage is one pure step of the pipeline.
type stage func(text) text

const (
	blockMarker  = "\x01"
	inlineMarker = "\x02"
)

var (
	fencedCodePattern = regexp.MustCompile("```([\\w+#.-]*)[ \\t]*\\n((?s:.*?))```")
	inlineCodePattern = regexp.MustCompile("`([^`\\n]+)`")
	headingPattern    = regexp.MustCompile(`(?m)^ {0,3}(#{1,3}) +(.+?) *$`)
	bulletItemPattern = regexp.MustCompile(`^ {0,3}[*-] +(.+)$`)
	orderedPattern    = regexp.MustCompile(`^ {0,3}\d+\. +(.+)$`)
	boldPattern       = regexp.MustCompile(`\*\*([^*\n](?:[^\n]*?[^*\n])?)\*\*`)
	starItalicPattern = regexp.MustCompile(`\*([^*\s](?:[^*\n]*[^*\s])?)\*`)
	underItalic       = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^_\s](?:[^_\n]*[^_\s])?)_($|[^\p{L}\p{N}_])`)
	linkPattern       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	placeholder       = regexp.MustCompile("[\x01\x02](\\d+)[\x01\x02]")
)

// escape makes the segment text inert: every HTML special character is escaped and the placeholder
// markers cannot occur in model text.
func escape(s string) text {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		switch r {
		case 0, '\x01', '\x02':
			return '\uFFFD'
		}
		return r
	}, s)
	return text{body: html.EscapeString(s)}
}

func (t text) protect(fragment, marker string) (text, string) {
	t.protected = append(t.protected[:len(t.protected):len(t.protected)], fragment)
	return t, marker + strconv.Itoa(len(t.protected)-1) + marker
}

// replace runs fn over every match of re, letting it protect fragments.
func (t text) replace(re *regexp.Regexp, fn func(t *text, groups []string) string) text {
	out := t
	out.body = re.ReplaceAllStringFunc(t.body, func(m string) string {
		return fn(&out, re.FindStringSubmatch(m))
	})
	return out
}

func (r *Renderer) fencedCode(t text) text {
	return t.replace(fencedCodePattern, func(t *text, g []string) string {
		lang, code := g[1], strings.TrimSpace(g[2])
		class := lang
		if class == "" {
			class = "plaintext"
		}

		body := code
		if r.highlighter != nil && lang != "" {
			highlighted, err := r.highlighter.highlight(lang, html.UnescapeString(code))
			if err != nil {
				r.logRenderFault("highlight", err)
			} else {
				body = highlighted
			}
		}

		var marker string
		*t, marker = t.protect(fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, class, body), blockMarker)
		return "\n\n" + marker + "\n\n"
	})
}

func inlineCode(t text) text {
	return t.replace(inlineCodePattern, func(t *text, g []string) string {
		var marker string
		*t, marker = t.protect("<code>"+g[1]+"</code>", inlineMarker)
		return marker
	})
}

func headings(t text) text {
	t.body = headingPattern.ReplaceAllStringFunc(t.body, func(m string) string {
		g := headingPattern.FindStringSubmatch(m)
		level := len(g[1])
		return fmt.Sprintf("<h%d>%s</h%d>", level, g[2], level)
	})
	return t
}

func listItem(line string) (tag, item string) {
	if g := bulletItemPattern.FindStringSubmatch(line); g != nil {
		return "ul", g[1]
	}
	if g := orderedPattern.FindStringSubmatch(line); g != nil {
		return "ol", g[1]
	}
	return "", ""
}

// lists turns item lines into <li> elements and wraps each run of items of the same kind in a single
// line holding the whole list. Blank lines between items of the same kind do not break the run.
func lists(t text) text {
	lines := strings.Split(t.body, "\n")
	out := make([]string, 0, len(lines))

	var items []string
	runTag := ""
	flush := func() {
		if len(items) > 0 {
			out = append(out, "<"+runTag+">"+strings.Join(items, "")+"</"+runTag+">")
		}
		items, runTag = nil, ""
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if runTag != "" && strings.TrimSpace(line) == "" {
			next := i + 1
			for next < len(lines) && strings.TrimSpace(lines[next]) == "" {
				next++
			}
			if next < len(lines) {
				if tag, _ := listItem(lines[next]); tag == runTag {
					i = next - 1
					continue
				}
			}
		}

		tag, item := listItem(line)
		if tag == "" {
			flush()
			out = append(out, line)
			continue
		}
		if tag != runTag {
			flush()
			runTag = tag
		}
		items = append(items, "<li>"+item+"</li>")
	}
	flush()

	t.body = strings.Join(out, "\n")
	return t
}

func bold(t text) text {
	t.body = boldPattern.ReplaceAllString(t.body, "<strong>$1</strong>")
	return t
}

func italic(t text) text {
	t.body = starItalicPattern.ReplaceAllString(t.body, "<em>$1</em>")
	t.body = underscoreItalic(t.body)
	return t
}

// underscoreItalic wraps _x_ spans. Scanning resumes right after each closing underscore so the boundary
// character after one span can also open the next.
func underscoreItalic(s string) string {
	var sb strings.Builder
	for {
		loc := underItalic.FindStringSubmatchIndex(s)
		if loc == nil {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:loc[3]])
		sb.WriteString("<em>" + s[loc[4]:loc[5]] + "</em>")
		s = s[loc[5]+1:]
	}
}

// safeURL reports whether an escaped link target may become an href.
func safeURL(escaped string) bool {
	if strings.ContainsAny(escaped, "<>") {
		return false
	}
	u, err := url.Parse(html.UnescapeString(escaped))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto":
		return true
	}
	return false
}

func links(t text) text {
	t.body = linkPattern.ReplaceAllStringFunc(t.body, func(m string) string {
		g := linkPattern.FindStringSubmatch(m)
		if !safeURL(g[2]) {
			return m
		}
		return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, g[2], g[1])
	})
	return t
}

func isBlockLine(line string) bool {
	line = strings.TrimSpace(line)
	for _, prefix := range []string{"<h1>", "<h2>", "<h3>", "<ul>", "<ol>", blockMarker} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// paragraphs groups the remaining lines into blank-line separated blocks wrapped in open/close. Block
// elements produced by earlier stages stand on their own.
func paragraphs(open, close string) stage {
	return func(t text) text {
		var out []string
		var para []string
		flush := func() {
			if body := strings.TrimSpace(strings.Join(para, "\n")); body != "" {
				out = append(out, open+body+close)
			}
			para = nil
		}

		for _, line := range strings.Split(t.body, "\n") {
			switch {
			case strings.TrimSpace(line) == "":
				flush()
			case isBlockLine(line):
				flush()
				out = append(out, strings.TrimSpace(line))
			default:
				para = append(para, line)
			}
		}
		flush()

		t.body = strings.Join(out, "\n")
		return t
	}
}

// restore substitutes protected fragments back for their placeholders.
func restore(t text) string {
	return placeholder.ReplaceAllStringFunc(t.body, func(m string) string {
		i, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || i >= len(t.protected) {
			return ""
		}
		return t.protected[i]
	})
}
