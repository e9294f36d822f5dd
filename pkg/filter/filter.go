// Package filter provides a simple expression language for matching flows.
// It scopes the flow list, the targeted-script runner and the passive
// scanner.
//
// Syntax:
//
//	~m METHOD   match HTTP method (substring)
//	~s CODE     match response status code (prefix, e.g. "5" matches 5xx)
//	~p PATH     match URL path (substring)
//	~d HOST     match request host (suffix, so "example.com" covers subdomains)
//	~r REGEX    match the full request URL against a regular expression
//	~h KEY:VAL  match header key containing VAL (substring)
//	~b TEXT     match request or decoded response body (substring)
//	~u NAME     match upstream name (substring)
//	~t TAG      match a tag set by scripts (exact)
//	~x STATE    match flow state (active, intercepted, complete, dropped, error)
//	!EXPR       negate
//	A & B       AND
//	A | B       OR
//	(EXPR)      grouping
package filter

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/fidiego/hookproxy/pkg/content"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/proxy"
)

// Filter is a compiled predicate over a Flow.
type Filter func(flow *proxy.Flow) bool

// MatchAll matches every flow.
var MatchAll Filter = func(_ *proxy.Flow) bool { return true }

// Parse compiles a filter expression string. Returns MatchAll for empty input.
func Parse(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return MatchAll, nil
	}
	p := &parser{input: expr}
	m, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipWS()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected token at position %d: %q", p.pos, p.input[p.pos:])
	}
	return func(f *proxy.Flow) bool { return m(newView(f)) }, nil
}

// Select returns the flows f matches, in order.
func Select(flows []*proxy.Flow, f Filter) []*proxy.Flow {
	var out []*proxy.Flow
	for _, fl := range flows {
		if f(fl) {
			out = append(out, fl)
		}
	}
	return out
}

// view is a consistent copy of a flow taken once per evaluation, so that
// scripts editing the live message do not race with matching.
type view struct {
	flow    *proxy.Flow
	req     *message.Request
	resp    *message.Response
	decoded []byte
	didBody bool
}

func newView(f *proxy.Flow) *view {
	v := &view{flow: f}
	if f.Message != nil {
		snap := f.Clone()
		v.req, v.resp = snap.Request, snap.Response
	}
	return v
}

func (v *view) responseBody() []byte {
	if !v.didBody && v.resp != nil {
		v.didBody = true
		if b, err := content.DecodeHeader(v.resp.Body, v.resp.Headers); err == nil {
			v.decoded = b
		} else {
			v.decoded = v.resp.Body
		}
	}
	return v.decoded
}

type matcher func(v *view) bool

// parser is a simple recursive-descent parser.
type parser struct {
	input string
	pos   int
}

func (p *parser) skipWS() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) accept(c byte) bool {
	p.skipWS()
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// parseOr handles A | B.
func (p *parser) parseOr() (matcher, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept('|') {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(v *view) bool { return l(v) || r(v) }
	}
	return left, nil
}

// parseAnd handles A & B.
func (p *parser) parseAnd() (matcher, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept('&') {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(v *view) bool { return l(v) && r(v) }
	}
	return left, nil
}

// parseNot handles !EXPR.
func (p *parser) parseNot() (matcher, error) {
	if p.accept('!') {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return func(v *view) bool { return !inner(v) }, nil
	}
	return p.parseAtom()
}

// parseAtom handles primitives and parenthesised groups.
func (p *parser) parseAtom() (matcher, error) {
	p.skipWS()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	if p.accept('(') {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(')') {
			return nil, fmt.Errorf("expected closing ')'")
		}
		return inner, nil
	}
	return p.parsePrimitive()
}

// parsePrimitive handles ~x OPERAND tokens.
func (p *parser) parsePrimitive() (matcher, error) {
	if !p.accept('~') {
		return nil, fmt.Errorf("expected filter expression starting with '~' at position %d", p.pos)
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected filter type after '~'")
	}
	kind := p.input[p.pos]
	p.pos++

	arg, err := p.parseArg()
	if err != nil {
		return nil, err
	}

	switch kind {
	case 'm':
		return methodFilter(arg), nil
	case 's':
		return statusFilter(arg), nil
	case 'p':
		return pathFilter(arg), nil
	case 'd':
		return hostFilter(arg), nil
	case 'r':
		return urlRegexFilter(arg)
	case 'h':
		return headerFilter(arg), nil
	case 'b':
		return bodyFilter(arg), nil
	case 'u':
		return upstreamFilter(arg), nil
	case 't':
		return tagFilter(arg), nil
	case 'x':
		return stateFilter(arg), nil
	default:
		return nil, fmt.Errorf("unknown filter type %q", string(kind))
	}
}

// parseArg reads the next whitespace-delimited token or quoted string.
func (p *parser) parseArg() (string, error) {
	p.skipWS()
	if p.pos >= len(p.input) {
		return "", fmt.Errorf("expected argument")
	}
	if p.input[p.pos] == '"' {
		return p.parseQuoted()
	}
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '&' || c == '|' || c == ')' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("empty argument at position %d", p.pos)
	}
	return p.input[start:p.pos], nil
}

// parseQuoted reads a double-quoted string; \" and \\ are unescaped.
func (p *parser) parseQuoted() (string, error) {
	p.pos++ // consume opening '"'
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.input):
			b.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case c == '"':
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", fmt.Errorf("unterminated quoted string")
}

// --- primitive filter constructors ---

func methodFilter(arg string) matcher {
	upper := strings.ToUpper(arg)
	return func(v *view) bool {
		return v.req != nil && strings.Contains(strings.ToUpper(v.req.Method), upper)
	}
}

func statusFilter(arg string) matcher {
	return func(v *view) bool {
		return v.resp != nil && strings.HasPrefix(strconv.Itoa(v.resp.StatusCode), arg)
	}
}

func pathFilter(arg string) matcher {
	lower := strings.ToLower(arg)
	return func(v *view) bool {
		return v.req != nil && strings.Contains(strings.ToLower(v.req.Path), lower)
	}
}

func hostFilter(arg string) matcher {
	want := strings.ToLower(strings.TrimPrefix(arg, "."))
	return func(v *view) bool {
		if v.req == nil {
			return false
		}
		host := strings.ToLower(v.req.Host)
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return host == want || strings.HasSuffix(host, "."+want)
	}
}

func urlRegexFilter(arg string) (matcher, error) {
	re, err := regexp.Compile(arg)
	if err != nil {
		return nil, fmt.Errorf("~r: %w", err)
	}
	return func(v *view) bool {
		return v.req != nil && re.MatchString(v.req.URL)
	}, nil
}

func headerFilter(arg string) matcher {
	// arg is "Key:Value" or just "Key"
	key, val, _ := strings.Cut(arg, ":")
	key, val = strings.ToLower(key), strings.ToLower(val)
	match := func(h map[string][]string) bool {
		for k, vv := range h {
			if !strings.Contains(strings.ToLower(k), key) {
				continue
			}
			if val == "" {
				return true
			}
			for _, s := range vv {
				if strings.Contains(strings.ToLower(s), val) {
					return true
				}
			}
		}
		return false
	}
	return func(v *view) bool {
		return (v.req != nil && match(v.req.Headers)) || (v.resp != nil && match(v.resp.Headers))
	}
}

func bodyFilter(arg string) matcher {
	lower := strings.ToLower(arg)
	return func(v *view) bool {
		if v.req != nil && strings.Contains(strings.ToLower(string(v.req.Body)), lower) {
			return true
		}
		return strings.Contains(strings.ToLower(string(v.responseBody())), lower)
	}
}

func upstreamFilter(arg string) matcher {
	lower := strings.ToLower(arg)
	return func(v *view) bool {
		return strings.Contains(strings.ToLower(v.flow.Upstream), lower)
	}
}

func tagFilter(arg string) matcher {
	return func(v *view) bool {
		return slices.Contains(v.flow.TagList(), arg)
	}
}

func stateFilter(arg string) matcher {
	want := proxy.FlowState(strings.ToLower(arg))
	return func(v *view) bool {
		return v.flow.State == want
	}
}
