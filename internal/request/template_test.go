package request

import (
	"context"
	"io"
	"net/url"
	"testing"
)

func TestEmitPreservesHeaders(t *testing.T) {
	u, _ := url.Parse("http://x.test/api")
	tmpl := &Template{
		Method: "POST",
		URL:    u,
		Header: []HeaderField{
			{Name: "X-Tag", Value: "first"},
			{Name: "X-Tag", Value: "second"},
			{Name: "Content-Type", Value: "application/json"},
		},
		Body: []byte("{}"),
	}

	req, err := tmpl.Emit(context.Background())
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if req.Method != "POST" || req.URL.String() != "http://x.test/api" {
		t.Errorf("Unexpected request line: %s %s", req.Method, req.URL)
	}

	tags := req.Header.Values("X-Tag")
	if len(tags) != 2 || tags[0] != "first" || tags[1] != "second" {
		t.Errorf("Duplicate header order lost: %v", tags)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Missing content type: %v", req.Header)
	}
}

func TestEmitSharesBodyBuffer(t *testing.T) {
	u, _ := url.Parse("http://x.test/")
	body := []byte("payload")
	tmpl := &Template{Method: "POST", URL: u, Body: body}

	if tmpl.BodyLen() != len(body) {
		t.Errorf("BodyLen %d, expected %d", tmpl.BodyLen(), len(body))
	}

	req, err := tmpl.Emit(context.Background())
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if req.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength %d, expected %d", req.ContentLength, len(body))
	}
	sent, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(sent) != "payload" {
		t.Errorf("Body mismatch: %q", sent)
	}
}

func TestEmitEmptyBody(t *testing.T) {
	u, _ := url.Parse("http://x.test/")
	tmpl := &Template{Method: "GET", URL: u}

	req, err := tmpl.Emit(context.Background())
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if req.Body != nil {
		t.Error("Expected no body on an empty template")
	}
}
