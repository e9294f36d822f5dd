package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/fidiego/hookproxy/pkg/script"
)

var titleSelector = cascadia.MustCompile("title")

// Source is a parsed HTML document handed to passive scan scripts.
type Source struct {
	doc *html.Node
}

// ParseHTML parses body, decoding it from the charset declared in
// contentType or sniffed from the document.
func ParseHTML(body []byte, contentType string) (*Source, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("charset: %w", err)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Source{doc: doc}, nil
}

// Title returns the trimmed document title.
func (s *Source) Title() string {
	t := titleSelector.MatchFirst(s.doc)
	if t == nil {
		return ""
	}
	return strings.Join(strings.Fields(textOf(t)), " ")
}

// Find returns the elements matching a CSS selector.
func (s *Source) Find(selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	return sel.MatchAll(s.doc), nil
}

// Text returns the visible text of the document.
func (s *Source) Text() string {
	return strings.Join(strings.Fields(textOf(s.doc)), " ")
}

func (s *Source) ScriptType() string { return "source" }

func (s *Source) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		"title": func(...any) (any, error) { return s.Title(), nil },
		"text":  func(...any) (any, error) { return s.Text(), nil },
		"find": func(args ...any) (any, error) {
			selector, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			nodes, err := s.Find(selector)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(nodes))
			for i, n := range nodes {
				out[i] = element(n)
			}
			return out, nil
		},
	}
}

// element renders n as {"tag", "text", "attrs"}.
func element(n *html.Node) map[string]any {
	attrs := make(map[string]any, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return map[string]any{
		"tag":   n.Data,
		"text":  strings.Join(strings.Fields(textOf(n)), " "),
		"attrs": attrs,
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
