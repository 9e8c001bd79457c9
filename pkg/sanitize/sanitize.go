// Package sanitize reduces untrusted feed HTML to a small allow-list of
// formatting tags and extracts plain text from it.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedTags are kept with their children. Everything else is unwrapped.
var allowedTags = map[string]bool{
	"p": true, "br": true, "strong": true, "em": true, "u": true, "a": true,
	"ul": true, "ol": true, "li": true, "blockquote": true, "code": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// droppedTags are removed together with their contents
var droppedTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true, "embed": true,
	"noscript": true, "template": true, "svg": true, "math": true, "head": true,
	"title": true, "textarea": true, "select": true, "frame": true, "frameset": true,
	"noembed": true, "xmp": true,
}

// linkAttrs are the only attributes kept, and only on <a>
var linkAttrs = map[string]bool{
	"href": true, "title": true, "target": true, "rel": true,
}

// blockTags separate words when extracting plain text
var blockTags = map[string]bool{
	"p": true, "br": true, "div": true, "li": true, "ul": true, "ol": true,
	"blockquote": true, "pre": true, "tr": true, "td": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
}

var unsafeSchemes = []string{"javascript:", "vbscript:", "data:"}

// Sanitize returns input reduced to the allowed tags. Scripts, styles,
// embedded frames, comments and every attribute except link attributes on
// <a> are removed.
func Sanitize(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	nodes, err := parseFragment(input)
	if err != nil {
		return html.EscapeString(input)
	}

	var b strings.Builder
	for _, n := range nodes {
		render(&b, n)
	}
	return strings.TrimSpace(b.String())
}

// PlainText returns the visible text of input with whitespace collapsed
func PlainText(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	nodes, err := parseFragment(input)
	if err != nil {
		return strings.Join(strings.Fields(input), " ")
	}

	var b strings.Builder
	for _, n := range nodes {
		extractText(&b, n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func parseFragment(input string) ([]*html.Node, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	return html.ParseFragment(strings.NewReader(input), context)
}

func render(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
		if droppedTags[n.Data] {
			return
		}
		if !allowedTags[n.Data] {
			renderChildren(b, n)
			return
		}
	case html.DocumentNode:
		renderChildren(b, n)
		return
	default:
		// comments, doctypes
		return
	}

	b.WriteByte('<')
	b.WriteString(n.Data)
	if n.Data == "a" {
		for _, attr := range n.Attr {
			if attr.Namespace != "" || !linkAttrs[attr.Key] {
				continue
			}
			if attr.Key == "href" && !safeURL(attr.Val) {
				continue
			}
			b.WriteByte(' ')
			b.WriteString(attr.Key)
			b.WriteString(`="`)
			b.WriteString(html.EscapeString(attr.Val))
			b.WriteByte('"')
		}
	}
	b.WriteByte('>')

	if n.Data == "br" {
		return
	}

	renderChildren(b, n)
	b.WriteString("</")
	b.WriteString(n.Data)
	b.WriteByte('>')
}

func renderChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(b, c)
	}
}

func extractText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if droppedTags[n.Data] {
			return
		}
	case html.DocumentNode:
	default:
		return
	}

	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}

// safeURL rejects script-capable URL schemes. Browsers ignore embedded
// whitespace and control characters in the scheme, so those are stripped
// before comparing.
func safeURL(raw string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.ToLower(cleaned)

	for _, scheme := range unsafeSchemes {
		if strings.HasPrefix(cleaned, scheme) {
			return false
		}
	}
	return true
}
