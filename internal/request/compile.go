package request

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/spec"
)

var (
	ErrEmptyCorpus    = errors.New("spec produced an empty corpus")
	ErrBadHeaderName  = errors.New("invalid header name")
	ErrBadHeaderValue = errors.New("invalid header value")
	ErrOpaqueURL      = errors.New("cannot append path segment to a non-base URL")
	ErrRelativePath   = errors.New("invalid path in spec")
)

// Compile transforms a specification into a corpus of weighted request
// templates. Compilation errors are configuration errors and abort the run.
func Compile(base *url.URL, s *spec.Specification) (*Corpus, error) {
	corpus := &Corpus{}
	for _, entry := range s.Paths {
		target, err := base.Parse(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrRelativePath, entry.Name, err)
		}
		if entry.Item.Get != nil {
			if err := compileOperation(corpus, target, "GET", entry.Item.Get); err != nil {
				return nil, fmt.Errorf("path %q get: %w", entry.Name, err)
			}
		}
		if entry.Item.Post != nil {
			if err := compileOperation(corpus, target, "POST", entry.Item.Post); err != nil {
				return nil, fmt.Errorf("path %q post: %w", entry.Name, err)
			}
		}
	}
	if corpus.Len() == 0 {
		return nil, ErrEmptyCorpus
	}
	return corpus, nil
}

// SingleGet builds the fallback corpus used when no spec is given: one GET
// against the endpoint with weight 1.
func SingleGet(endpoint *url.URL) *Corpus {
	corpus := &Corpus{}
	u := *endpoint
	_ = corpus.Add(&Template{Method: "GET", URL: &u}, 1.0)
	return corpus
}

func compileOperation(corpus *Corpus, target *url.URL, method string, op *spec.Operation) error {
	for _, data := range op.RequestData {
		u := *target
		headers, err := applyParameters(&u, data.Data.Parameters)
		if err != nil {
			return fmt.Errorf("data %q: %w", data.Name, err)
		}
		bodies, err := materialiseBodies(data.Data.Body)
		if err != nil {
			return fmt.Errorf("data %q: %w", data.Name, err)
		}
		weight := float64(op.Weight * data.Data.Weight)
		for _, body := range bodies {
			bodyURL := u
			tmpl := &Template{
				Method: method,
				URL:    &bodyURL,
				Header: headers,
				Body:   body,
			}
			if err := corpus.Add(tmpl, weight); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyParameters folds the parameter list into the URL in declaration order
// and returns the header fields to attach. Header validity is checked here,
// at compile time, so workers never see a malformed template.
func applyParameters(u *url.URL, params []spec.Parameter) ([]HeaderField, error) {
	var headers []HeaderField
	for _, p := range params {
		switch p.Kind {
		case spec.ParamHeader:
			if !httpguts.ValidHeaderFieldName(p.Name) {
				return nil, fmt.Errorf("%w: %q", ErrBadHeaderName, p.Name)
			}
			if !httpguts.ValidHeaderFieldValue(p.Value) {
				return nil, fmt.Errorf("%w: header %q", ErrBadHeaderValue, p.Name)
			}
			headers = append(headers, HeaderField{Name: p.Name, Value: p.Value})
		case spec.ParamPath:
			if u.Opaque != "" || u.Host == "" {
				return nil, fmt.Errorf("%w: %s", ErrOpaqueURL, u)
			}
			*u = *u.JoinPath(p.Value)
		case spec.ParamQuery:
			pair := url.QueryEscape(p.Name) + "=" + url.QueryEscape(p.Value)
			if u.RawQuery == "" {
				u.RawQuery = pair
			} else {
				u.RawQuery += "&" + pair
			}
		}
	}
	return headers, nil
}

// materialiseBodies resolves a body source into one or more byte buffers.
// A directory source yields one body per regular file directly inside it;
// unreadable entries are skipped with a warning.
func materialiseBodies(body *spec.Body) ([][]byte, error) {
	if body == nil {
		return [][]byte{nil}, nil
	}
	switch body.Kind {
	case spec.BodyConstant:
		return [][]byte{[]byte(body.Value)}, nil
	case spec.BodyExternal:
		info, err := os.Stat(body.Value)
		if err != nil {
			return nil, fmt.Errorf("body source %s: %w", body.Value, err)
		}
		if !info.IsDir() {
			data, err := os.ReadFile(body.Value)
			if err != nil {
				return nil, fmt.Errorf("body source %s: %w", body.Value, err)
			}
			return [][]byte{data}, nil
		}
		entries, err := os.ReadDir(body.Value)
		if err != nil {
			return nil, fmt.Errorf("body source %s: %w", body.Value, err)
		}
		var bodies [][]byte
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			path := filepath.Join(body.Value, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Log.Warn("Skipping unreadable corpus file",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			bodies = append(bodies, data)
		}
		return bodies, nil
	}
	return nil, fmt.Errorf("unknown body kind %d", body.Kind)
}
