package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/xd009642/murk/internal/config"
	"github.com/xd009642/murk/internal/request"
	"github.com/xd009642/murk/internal/summary"
)

func singleGetCorpus(t *testing.T, rawURL string) *request.Corpus {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%s): %v", rawURL, err)
	}
	return request.SingleGet(u)
}

func testOptions(timeout, duration time.Duration) *config.Options {
	opts := config.Default()
	opts.Timeout = timeout
	opts.Duration = duration
	return opts
}

// runWorker drives a single worker against the corpus until duration elapses
// and returns everything it emitted.
func runWorker(t *testing.T, corpus *request.Corpus, opts *config.Options, captureBody bool) []summary.RequestStats {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Duration)
	defer cancel()

	records := make(chan summary.RequestStats, 4096)
	worker := NewWorker(0, opts, corpus, http.DefaultClient, getSharedTestCollector(), "test-run", 1, captureBody)

	var out []summary.RequestStats
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for stat := range records {
			out = append(out, stat)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx, records)
	}()
	wg.Wait()
	close(records)
	<-drained
	return out
}

func TestWorkerRecordsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	stats := runWorker(t, singleGetCorpus(t, server.URL), testOptions(time.Second, 300*time.Millisecond), false)
	if len(stats) == 0 {
		t.Fatal("Expected at least one record")
	}
	for _, stat := range stats {
		if stat.Timeout {
			t.Error("Unexpected timeout record")
		}
		if stat.Status != http.StatusOK {
			t.Errorf("Expected status 200, got %d", stat.Status)
		}
		if stat.BytesRead != int64(len("hello")) {
			t.Errorf("Expected 5 bytes read, got %d", stat.BytesRead)
		}
		if stat.Time <= 0 {
			t.Error("Expected a positive latency")
		}
		if stat.Level != 1 {
			t.Errorf("Expected level tag 1, got %d", stat.Level)
		}
		if stat.Body != nil {
			t.Error("Body must not be retained without a script bridge")
		}
	}
}

func TestWorkerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	stats := runWorker(t, singleGetCorpus(t, server.URL), testOptions(50*time.Millisecond, 400*time.Millisecond), false)
	if len(stats) == 0 {
		t.Fatal("Expected at least one record")
	}
	for _, stat := range stats {
		if !stat.Timeout {
			t.Errorf("Expected a timeout record, got %+v", stat)
		}
		if stat.Status != 0 || stat.Time != 0 {
			t.Errorf("Timeout record must carry no status or latency: %+v", stat)
		}
	}
}

func TestWorkerTransportFailure(t *testing.T) {
	// A closed server: connections are refused.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := server.URL
	server.Close()

	stats := runWorker(t, singleGetCorpus(t, target), testOptions(time.Second, 200*time.Millisecond), false)
	if len(stats) == 0 {
		t.Fatal("Expected at least one record")
	}
	for _, stat := range stats {
		if stat.Timeout || stat.Status != 0 {
			t.Errorf("Expected a bare transport failure record, got %+v", stat)
		}
	}
}

func TestWorkerSendsTemplateBody(t *testing.T) {
	var mu sync.Mutex
	var receivedBody string
	var receivedHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		mu.Lock()
		receivedBody = string(buf)
		receivedHeader = r.Header.Get("X-Datum")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	corpus := &request.Corpus{}
	if err := corpus.Add(&request.Template{
		Method: "POST",
		URL:    u,
		Header: []request.HeaderField{{Name: "X-Datum", Value: "static"}},
		Body:   []byte(`{"name":"murk"}`),
	}, 1.0); err != nil {
		t.Fatal(err)
	}

	stats := runWorker(t, corpus, testOptions(time.Second, 200*time.Millisecond), false)
	if len(stats) == 0 {
		t.Fatal("Expected at least one record")
	}
	if stats[0].BytesWritten != int64(len(`{"name":"murk"}`)) {
		t.Errorf("Expected bytes written to match the template body, got %d", stats[0].BytesWritten)
	}

	mu.Lock()
	defer mu.Unlock()
	if receivedBody != `{"name":"murk"}` {
		t.Errorf("Body mismatch: %q", receivedBody)
	}
	if receivedHeader != "static" {
		t.Errorf("Header mismatch: %q", receivedHeader)
	}
}

func TestWorkerCapturesBodyForBridge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	stats := runWorker(t, singleGetCorpus(t, server.URL), testOptions(time.Second, 200*time.Millisecond), true)
	if len(stats) == 0 {
		t.Fatal("Expected at least one record")
	}
	if string(stats[0].Body) != "payload" {
		t.Errorf("Expected captured body, got %q", stats[0].Body)
	}
}

func TestWorkerStopsAtDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	start := time.Now()
	duration := 300 * time.Millisecond
	runWorker(t, singleGetCorpus(t, server.URL), testOptions(time.Second, duration), false)
	elapsed := time.Since(start)

	if elapsed < duration {
		t.Errorf("Worker stopped before the deadline: %v < %v", elapsed, duration)
	}
	if elapsed > duration+time.Second {
		t.Errorf("Worker overran the deadline by too much: %v", elapsed)
	}
}
