package request

import (
	"math"
	"math/rand"
	"net/url"
	"testing"
)

func mustTemplate(t *testing.T, rawURL string) *Template {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%s): %v", rawURL, err)
	}
	return &Template{Method: "GET", URL: u}
}

func TestCorpusAddRejectsBadWeights(t *testing.T) {
	tmpl := mustTemplate(t, "http://x.test/")
	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		c := &Corpus{}
		if err := c.Add(tmpl, w); err == nil {
			t.Errorf("Expected error for weight %v", w)
		}
	}
}

func TestCorpusParallelVectors(t *testing.T) {
	c := &Corpus{}
	for i := 0; i < 5; i++ {
		if err := c.Add(mustTemplate(t, "http://x.test/"), float64(i+1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if c.Len() != len(c.Weights()) {
		t.Errorf("Template count %d does not match weight count %d", c.Len(), len(c.Weights()))
	}
	for _, w := range c.Weights() {
		if w <= 0 {
			t.Errorf("Non-positive weight %v", w)
		}
	}
}

func TestSampleZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for zero samples")
		}
	}()
	c := &Corpus{}
	_ = c.Add(mustTemplate(t, "http://x.test/"), 1.0)
	c.Sample(0, nil)
}

func TestSampleEmptyCorpusPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for empty corpus")
		}
	}()
	c := &Corpus{}
	c.Sample(1, nil)
}

func TestSampleDistribution(t *testing.T) {
	a := mustTemplate(t, "http://x.test/a")
	b := mustTemplate(t, "http://x.test/b")
	c := &Corpus{}
	if err := c.Add(a, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(b, 3.0); err != nil {
		t.Fatal(err)
	}

	const draws = 1_000_000
	rng := rand.New(rand.NewSource(42))
	hits := 0
	for _, tmpl := range c.Sample(draws, rng) {
		if tmpl == a {
			hits++
		}
	}
	freq := float64(hits) / draws
	if math.Abs(freq-0.25) > 0.005 {
		t.Errorf("Frequency of the weight-1 template was %v, expected 0.25 +- 0.005", freq)
	}
}

func TestSampleDeterministicUnderSeed(t *testing.T) {
	c := &Corpus{}
	templates := make([]*Template, 4)
	for i := range templates {
		templates[i] = mustTemplate(t, "http://x.test/")
		if err := c.Add(templates[i], float64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	first := c.Sample(100, rand.New(rand.NewSource(7)))
	second := c.Sample(100, rand.New(rand.NewSource(7)))
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Sequences diverge at index %d", i)
		}
	}
}

func TestSampleSharesTemplates(t *testing.T) {
	body := []byte("shared body")
	u, _ := url.Parse("http://x.test/")
	tmpl := &Template{Method: "POST", URL: u, Body: body}
	c := &Corpus{}
	if err := c.Add(tmpl, 1.0); err != nil {
		t.Fatal(err)
	}

	for _, got := range c.Sample(10, nil) {
		if got != tmpl {
			t.Error("Sampling should hand back the shared template, not a copy")
		}
		if &got.Body[0] != &body[0] {
			t.Error("Body buffer should be shared")
		}
	}
}
