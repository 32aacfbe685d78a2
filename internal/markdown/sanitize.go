package markdown

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var classPattern = regexp.MustCompile(`^[\w +#.-]+$`)

// newPolicy allows exactly the markup the stages and the highlighter produce.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "h1", "h2", "h3", "ul", "ol", "li", "strong", "em", "pre", "code", "div", "span", "i")
	p.AllowAttrs("class").Matching(classPattern).OnElements("div", "span", "i", "code", "pre")
	p.AllowAttrs("title").OnElements("span")

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("target").Matching(regexp.MustCompile(`^_blank$`)).OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireNoReferrerOnLinks(true)

	return p
}
