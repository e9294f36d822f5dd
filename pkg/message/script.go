package message

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fidiego/hookproxy/pkg/content"
	"github.com/fidiego/hookproxy/pkg/script"
)

var errNoResponse = errors.New("message has no response")

func (m *Message) ScriptType() string { return "message" }

// ScriptMethods exposes the message to scripts.
func (m *Message) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		"url": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.Request.URL, nil
		},
		"setUrl": func(args ...any) (any, error) {
			raw, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			return nil, m.SetURL(raw)
		},
		"method": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.Request.Method, nil
		},
		"setMethod": func(args ...any) (any, error) {
			method, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			m.Request.Method = strings.ToUpper(method)
			return nil, nil
		},
		"requestHeader": func(args ...any) (any, error) {
			name, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.Request.Headers.Get(name), nil
		},
		"requestHeaders": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return headerMap(m.Request.Headers), nil
		},
		"setRequestHeader": func(args ...any) (any, error) {
			name, value, err := nameValue(args)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			m.Request.Headers.Set(name, value)
			return nil, nil
		},
		"removeRequestHeader": func(args ...any) (any, error) {
			name, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			m.Request.Headers.Del(name)
			return nil, nil
		},
		"requestBody": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return string(m.Request.Body), nil
		},
		"setRequestBody": func(args ...any) (any, error) {
			body, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			setBody(m.Request.Headers, &m.Request.Body, &m.Request.BodyTruncated, []byte(body))
			return nil, nil
		},
		"hasResponse": func(...any) (any, error) {
			return m.HasResponse(), nil
		},
		"status": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.Response == nil {
				return int64(0), nil
			}
			return int64(m.Response.StatusCode), nil
		},
		"setStatus": func(args ...any) (any, error) {
			code, err := script.ArgInt(args, 0)
			if err != nil {
				return nil, err
			}
			if code < 100 || code > 999 {
				return nil, fmt.Errorf("invalid status code %d", code)
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.Response == nil {
				return nil, errNoResponse
			}
			m.Response.StatusCode = code
			return nil, nil
		},
		"responseHeader": func(args ...any) (any, error) {
			name, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.Response == nil {
				return "", nil
			}
			return m.Response.Headers.Get(name), nil
		},
		"responseHeaders": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.Response == nil {
				return map[string]any{}, nil
			}
			return headerMap(m.Response.Headers), nil
		},
		"setResponseHeader": func(args ...any) (any, error) {
			name, value, err := nameValue(args)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.Response == nil {
				return nil, errNoResponse
			}
			m.Response.Headers.Set(name, value)
			return nil, nil
		},
		"responseBody": func(...any) (any, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.Response == nil {
				return "", nil
			}
			return string(m.Response.Body), nil
		},
		"setResponseBody": func(args ...any) (any, error) {
			body, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.Response == nil {
				return nil, errNoResponse
			}
			m.Response.Headers.Del("Content-Encoding")
			setBody(m.Response.Headers, &m.Response.Body, &m.Response.BodyTruncated, []byte(body))
			return nil, nil
		},
		"decodedResponseBody": func(...any) (any, error) {
			body, err := m.DecodedResponseBody()
			return string(body), err
		},
		"jsonGet": func(args ...any) (any, error) {
			path, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			part, err := script.OptString(args, 1, "")
			if err != nil {
				return nil, err
			}
			return m.JSONGet(part, path)
		},
		"setRequestJson": func(args ...any) (any, error) {
			return nil, m.setJSON("request", args)
		},
		"setResponseJson": func(args ...any) (any, error) {
			return nil, m.setJSON("response", args)
		},
		"forceIntercept": func(...any) (any, error) {
			m.ForceIntercept()
			return nil, nil
		},
		"interceptForced": func(...any) (any, error) {
			return m.InterceptForced(), nil
		},
		"note": func(args ...any) (any, error) {
			text, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			m.AddNote(text)
			return nil, nil
		},
	}
}

// SetURL replaces the request URL, keeping Path and Host in step.
func (m *Message) SetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("invalid url %q: must be absolute", raw)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Request.URL = u.String()
	m.Request.Path = u.Path
	m.Request.Host = u.Host
	return nil
}

// DecodedResponseBody returns the response body with its Content-Encoding
// removed.
func (m *Message) DecodedResponseBody() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Response == nil {
		return nil, nil
	}
	return content.DecodeHeader(m.Response.Body, m.Response.Headers)
}

// JSONGet reads a gjson path from the request or response body. An empty
// part picks the response when there is one.
func (m *Message) JSONGet(part, path string) (any, error) {
	body, err := m.jsonBody(part)
	if err != nil {
		return nil, err
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

func (m *Message) jsonBody(part string) ([]byte, error) {
	switch part {
	case "request":
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.Request.Body, nil
	case "response", "":
		if part == "" && !m.HasResponse() {
			return m.jsonBody("request")
		}
		return m.DecodedResponseBody()
	}
	return nil, fmt.Errorf("unknown message part %q", part)
}

func (m *Message) setJSON(part string, args []any) error {
	path, err := script.ArgString(args, 0)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("missing argument 2")
	}
	value := args[1]

	m.mu.Lock()
	defer m.mu.Unlock()
	h, body, truncated := m.Request.Headers, &m.Request.Body, &m.Request.BodyTruncated
	if part == "response" {
		if m.Response == nil {
			return errNoResponse
		}
		decoded, err := content.DecodeHeader(m.Response.Body, m.Response.Headers)
		if err != nil {
			return err
		}
		m.Response.Headers.Del("Content-Encoding")
		m.Response.Body = decoded
		h, body, truncated = m.Response.Headers, &m.Response.Body, &m.Response.BodyTruncated
	}
	updated, err := sjson.SetBytes(*body, path, value)
	if err != nil {
		return fmt.Errorf("set %s json %q: %w", part, path, err)
	}
	setBody(h, body, truncated, updated)
	return nil
}

func nameValue(args []any) (string, string, error) {
	name, err := script.ArgString(args, 0)
	if err != nil {
		return "", "", err
	}
	value, err := script.ArgString(args, 1)
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vv := range h {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}
