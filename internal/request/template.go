package request

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
)

// HeaderField is one header entry. Templates keep headers as a slice so
// duplicates are allowed and declaration order is preserved on emit.
type HeaderField struct {
	Name  string
	Value string
}

// Template is one materialised request: method, URL, ordered headers and a
// body buffer. Templates are built once by the compiler and shared read-only
// by every worker; emitting a live request never copies the body bytes.
type Template struct {
	Method string
	URL    *url.URL
	Header []HeaderField
	Body   []byte
}

// Emit builds a live HTTP request from the template. The body reader shares
// the template's buffer.
func (t *Template) Emit(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if len(t.Body) > 0 {
		body = bytes.NewReader(t.Body)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, t.Method, t.URL.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, t.Method, t.URL.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	for _, h := range t.Header {
		req.Header.Add(h.Name, h.Value)
	}
	return req, nil
}

// BodyLen returns the outgoing body length in bytes.
func (t *Template) BodyLen() int {
	return len(t.Body)
}
