// Package content decodes captured bodies and parses HTML for scripts.
package content

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/golang/gddo/httputil/header"
	"github.com/klauspost/compress/gzip"
)

// MaxDecodedSize caps decompressed output.
const MaxDecodedSize = 32 << 20

// Decode undoes a Content-Encoding. Unknown or empty encodings return body
// unchanged.
func Decode(body []byte, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" || encoding == "identity" || len(body) == 0 {
		return body, nil
	}

	br := bytes.NewReader(body)
	var r io.Reader
	switch encoding {
	case "br":
		r = brotli.NewReader(br)
	case "deflate":
		fr := flate.NewReader(br)
		defer fr.Close()
		r = fr
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	default:
		return body, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	return out, nil
}

// DecodeHeader decodes body according to h's Content-Encoding.
func DecodeHeader(body []byte, h http.Header) ([]byte, error) {
	return Decode(body, h.Get("Content-Encoding"))
}

// MediaType returns the lower-cased media type of h's Content-Type and its
// parameters.
func MediaType(h http.Header) (string, map[string]string) {
	return header.ParseValueAndParams(h, "Content-Type")
}

// IsHTML reports whether h declares an HTML body.
func IsHTML(h http.Header) bool {
	mt, _ := MediaType(h)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// IsText reports whether h declares a body scripts can usefully read as text.
func IsText(h http.Header) bool {
	mt, _ := MediaType(h)
	switch {
	case strings.HasPrefix(mt, "text/"),
		strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"),
		mt == "application/json", mt == "application/xml",
		mt == "application/javascript", mt == "application/x-www-form-urlencoded":
		return true
	}
	return false
}
