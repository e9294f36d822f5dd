// Package message holds the mutable HTTP request/response pair that flows
// through the proxy and is handed to scripts.
package message

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

// Request holds a snapshot of an HTTP request.
type Request struct {
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Path          string      `json:"path"`
	Host          string      `json:"host"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	Proto         string      `json:"proto"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// Response holds a snapshot of an HTTP response.
type Response struct {
	StatusCode    int         `json:"statusCode"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	Proto         string      `json:"proto"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// NewRequest captures r's request line and headers. The body is left for
// the caller to fill in, since reading it consumes r.Body.
func NewRequest(r *http.Request) *Request {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	return &Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    r.URL.Path,
		Host:    host,
		Headers: r.Header.Clone(),
		Proto:   r.Proto,
	}
}

// NewResponse captures resp's status line and headers.
func NewResponse(resp *http.Response) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Proto:      resp.Proto,
	}
}

// HTTPRequest builds an outgoing request from the snapshot.
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Del("Content-Length")
	req.ContentLength = int64(len(r.Body))
	if r.Host != "" {
		req.Host = r.Host
	}
	return req, nil
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Headers = r.Headers.Clone()
	cp.Body = bytes.Clone(r.Body)
	return &cp
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Headers = r.Headers.Clone()
	cp.Body = bytes.Clone(r.Body)
	return &cp
}

// Message is a request and, once received, its response. Scripts in one
// firing share the same Message, so a change made by one is seen by the
// next.
type Message struct {
	mu       sync.RWMutex
	Request  *Request  `json:"request"`
	Response *Response `json:"response,omitempty"`
	Notes    []string  `json:"notes,omitempty"`

	forced atomic.Bool
}

// New returns a message for req.
func New(req *Request) *Message {
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	return &Message{Request: req}
}

// SetResponse attaches resp to the message.
func (m *Message) SetResponse(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp != nil && resp.Headers == nil {
		resp.Headers = make(http.Header)
	}
	m.Response = resp
}

// HasResponse reports whether a response is attached.
func (m *Message) HasResponse() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Response != nil
}

// Clone returns a deep copy. The force-intercept flag is not carried over.
func (m *Message) Clone() *Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Message{
		Request:  m.Request.clone(),
		Response: m.Response.clone(),
		Notes:    append([]string(nil), m.Notes...),
	}
}

// MarshalJSON encodes a snapshot taken under the message lock, so a script
// editing the message cannot race the encoder.
func (m *Message) MarshalJSON() ([]byte, error) {
	c := m.Clone()
	return json.Marshal(wireMessage{Request: c.Request, Response: c.Response, Notes: c.Notes})
}

// wireMessage is the encoded form of a Message.
type wireMessage struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response,omitempty"`
	Notes    []string  `json:"notes,omitempty"`
}

// Checkpoint captures the request, response, notes and force-intercept
// flag. The returned func puts them back, so a flag set by a unit that then
// fails is dropped along with its other changes.
func (m *Message) Checkpoint() func() {
	m.mu.RLock()
	req, resp := m.Request.clone(), m.Response.clone()
	notes := append([]string(nil), m.Notes...)
	forced := m.forced.Load()
	m.mu.RUnlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Request, m.Response, m.Notes = req, resp, notes
		m.forced.Store(forced)
	}
}

// ForceIntercept asks the proxy to pause the message for the user. Once
// set it stays set for later units; only a rollback clears it.
func (m *Message) ForceIntercept() { m.forced.Store(true) }

// InterceptForced reports whether ForceIntercept was called.
func (m *Message) InterceptForced() bool { return m.forced.Load() }

// AddNote appends a free-text note.
func (m *Message) AddNote(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notes = append(m.Notes, note)
}

// String renders the request line, e.g. "GET http://example.com/ -> 200".
func (m *Message) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.Request.Method + " " + m.Request.URL
	if m.Response != nil {
		s += " -> " + strconv.Itoa(m.Response.StatusCode)
	}
	return s
}

// SetRequestBody replaces the request body.
func (m *Message) SetRequestBody(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setBody(m.Request.Headers, &m.Request.Body, &m.Request.BodyTruncated, body)
}

// SetResponseBody replaces the response body. It does nothing when there
// is no response yet.
func (m *Message) SetResponseBody(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Response != nil {
		setBody(m.Response.Headers, &m.Response.Body, &m.Response.BodyTruncated, body)
	}
}

// SetRequestCapture stores the body read off the wire and whether it was
// cut short.
func (m *Message) SetRequestCapture(body []byte, truncated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Request.Body, m.Request.BodyTruncated = body, truncated
}

// setBody replaces a body and keeps an existing Content-Length header in
// step with it. The new body is complete, so it is no longer truncated.
func setBody(h http.Header, dst *[]byte, truncated *bool, body []byte) {
	*dst = body
	*truncated = false
	if h.Get("Content-Length") != "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
}

// ReadLimited reads at most maxBytes from r, then closes r. It reports
// whether the source had more data.
func ReadLimited(r io.ReadCloser, maxBytes int64) ([]byte, bool, error) {
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}
