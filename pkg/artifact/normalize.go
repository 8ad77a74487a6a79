package artifact

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/html"
)

// NormalizeRules configures which attributes are treated as volatile when
// canonicalizing a DOM snapshot. Deny patterns name attributes expected to
// differ between otherwise identical runs (auto-generated framework ids);
// allow patterns punch holes through the deny list. Patterns use glob
// syntax.
type NormalizeRules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// DefaultNormalizeRules covers the common reactive-framework id schemes.
func DefaultNormalizeRules() NormalizeRules {
	return NormalizeRules{
		Deny: []string{
			"data-v-*",        // Vue scoped-style ids
			"data-reactid",    // legacy React
			"data-react-*",    // React internals
			"ng-reflect-*",    // Angular debug bindings
			"data-emotion",    // emotion/styled-components cache keys
			"data-server-rendered",
		},
	}
}

// Normalizer canonicalizes raw page HTML into a deterministic snapshot:
// scripts, styles and comments stripped, attributes sorted, volatile
// attributes removed per the configured rules.
type Normalizer struct {
	allow []glob.Glob
	deny  []glob.Glob
}

// NewNormalizer compiles the rule patterns.
func NewNormalizer(rules NormalizeRules) (*Normalizer, error) {
	n := &Normalizer{}
	for _, pattern := range rules.Allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
		}
		n.allow = append(n.allow, g)
	}
	for _, pattern := range rules.Deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		n.deny = append(n.deny, g)
	}
	return n, nil
}

// Canonicalize parses raw HTML and re-serializes it deterministically.
// Canonicalizing an already canonical snapshot yields the same bytes, which
// is what makes snapshots diffable across runs.
func (n *Normalizer) Canonicalize(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var builder strings.Builder
	n.renderNode(doc, &builder, 0)
	return builder.String(), nil
}

func (n *Normalizer) renderNode(node *html.Node, builder *strings.Builder, depth int) {
	switch node.Type {
	case html.CommentNode, html.DoctypeNode:
		return
	case html.TextNode:
		text := strings.Join(strings.Fields(node.Data), " ")
		if text != "" {
			builder.WriteString(text)
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if isSkippedElement(tag) {
			return
		}
		n.renderElement(node, tag, builder, depth)
		return
	default:
		// Document and fragment nodes: render children only.
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			n.renderNode(c, builder, depth)
		}
	}
}

func (n *Normalizer) renderElement(node *html.Node, tag string, builder *strings.Builder, depth int) {
	if depth > 0 && isBlockElement(tag) {
		builder.WriteString("\n")
		builder.WriteString(strings.Repeat("  ", depth))
	}

	builder.WriteString("<")
	builder.WriteString(tag)

	attrs := make([]html.Attribute, 0, len(node.Attr))
	for _, attr := range node.Attr {
		if n.keepAttribute(strings.ToLower(attr.Key)) {
			attrs = append(attrs, attr)
		}
	}
	// Attribute order is serialization noise; sort for determinism.
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	for _, attr := range attrs {
		fmt.Fprintf(builder, ` %s="%s"`, strings.ToLower(attr.Key), html.EscapeString(attr.Val))
	}
	builder.WriteString(">")

	for c := node.FirstChild; c != nil; c = c.NextSibling {
		n.renderNode(c, builder, depth+1)
	}

	if !isVoidElement(tag) {
		if isBlockElement(tag) {
			builder.WriteString("\n")
			builder.WriteString(strings.Repeat("  ", depth))
		}
		builder.WriteString("</")
		builder.WriteString(tag)
		builder.WriteString(">")
	}
}

// keepAttribute applies the allow/deny rules. Allow wins over deny; an
// attribute matching neither list is kept.
func (n *Normalizer) keepAttribute(name string) bool {
	for _, g := range n.allow {
		if g.Match(name) {
			return true
		}
	}
	for _, g := range n.deny {
		if g.Match(name) {
			return false
		}
	}
	return true
}

// isSkippedElement returns true for elements removed entirely from snapshots.
func isSkippedElement(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}

func isBlockElement(tag string) bool {
	switch tag {
	case "div", "p", "section", "article", "header", "footer", "nav", "main",
		"aside", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li",
		"table", "tr", "td", "th", "form", "fieldset", "blockquote", "pre",
		"html", "head", "body":
		return true
	}
	return false
}

func isVoidElement(tag string) bool {
	switch tag {
	case "area", "base", "br", "col", "embed", "hr", "img", "input", "link",
		"meta", "param", "source", "track", "wbr":
		return true
	}
	return false
}
