package fuzz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/fidiego/hookproxy/pkg/message"
)

// Part is the piece of a request a payload is inserted into.
type Part string

const (
	PartURL    Part = "url"
	PartHeader Part = "header"
	PartBody   Part = "body"
)

// Location is a byte range of one request part that payloads replace.
type Location struct {
	Part Part `json:"part"`
	// Header names the header for PartHeader.
	Header string `json:"header,omitempty"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// String labels the location, e.g. "body[4:9]". Scripts see insertions
// keyed by this label.
func (l Location) String() string {
	if l.Part == PartHeader {
		return fmt.Sprintf("header:%s[%d:%d]", http.CanonicalHeaderKey(l.Header), l.Start, l.End)
	}
	return fmt.Sprintf("%s[%d:%d]", l.Part, l.Start, l.End)
}

func (l Location) key() string {
	if l.Part == PartHeader {
		return "header:" + http.CanonicalHeaderKey(l.Header)
	}
	return string(l.Part)
}

// Locate finds every occurrence of marker in the request URL, headers and
// body of msg.
func Locate(msg *message.Message, marker string) []Location {
	if marker == "" {
		return nil
	}
	var locs []Location
	find := func(part Part, header, s string) {
		for off := 0; ; {
			i := strings.Index(s[off:], marker)
			if i < 0 {
				return
			}
			start := off + i
			locs = append(locs, Location{Part: part, Header: header, Start: start, End: start + len(marker)})
			off = start + len(marker)
		}
	}

	req := msg.Clone().Request
	find(PartURL, "", req.URL)
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		find(PartHeader, name, req.Headers.Get(name))
	}
	find(PartBody, "", string(req.Body))
	return locs
}

// Substitute returns a copy of base with values[i] written over locs[i].
// Offsets refer to base, so several locations in one part are applied
// from the end backwards.
func Substitute(base *message.Message, locs []Location, values []string) (*message.Message, error) {
	if len(locs) != len(values) {
		return nil, fmt.Errorf("%d locations but %d values", len(locs), len(values))
	}
	msg := base.Clone()
	req := msg.Request

	byPart := make(map[string][]int)
	var order []string
	for i, l := range locs {
		k := l.key()
		if _, ok := byPart[k]; !ok {
			order = append(order, k)
		}
		byPart[k] = append(byPart[k], i)
	}

	for _, k := range order {
		idx := byPart[k]
		sort.Slice(idx, func(a, b int) bool { return locs[idx[a]].Start > locs[idx[b]].Start })

		first := locs[idx[0]]
		var orig string
		switch first.Part {
		case PartURL:
			orig = req.URL
		case PartHeader:
			orig = req.Headers.Get(first.Header)
		case PartBody:
			orig = string(req.Body)
		default:
			return nil, fmt.Errorf("unknown part %q", first.Part)
		}

		out := orig
		prevStart := len(orig)
		for _, i := range idx {
			l := locs[i]
			if l.Start < 0 || l.End < l.Start || l.End > prevStart {
				return nil, fmt.Errorf("location %s out of range or overlapping", l)
			}
			out = out[:l.Start] + values[i] + out[l.End:]
			prevStart = l.Start
		}

		switch first.Part {
		case PartURL:
			if err := msg.SetURL(out); err != nil {
				return nil, err
			}
		case PartHeader:
			req.Headers.Set(first.Header, out)
		case PartBody:
			msg.SetRequestBody([]byte(out))
		}
	}
	return msg, nil
}
