package request

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

var ErrBadTemplateWeight = errors.New("template weight must be finite and positive")

// Corpus is the immutable weighted collection of request templates a run
// samples from. It is append-only during compilation and frozen once the
// first sample is drawn, so workers share it without synchronisation.
type Corpus struct {
	templates []*Template
	weights   []float64

	once sync.Once
	cum  []float64
}

// Add appends a template with its sampling weight.
func (c *Corpus) Add(t *Template, weight float64) error {
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 {
		return fmt.Errorf("%w: got %v", ErrBadTemplateWeight, weight)
	}
	c.templates = append(c.templates, t)
	c.weights = append(c.weights, weight)
	return nil
}

// Len returns the template count.
func (c *Corpus) Len() int {
	return len(c.templates)
}

// Weights returns the weight vector. It is parallel to the templates and
// must not be mutated.
func (c *Corpus) Weights() []float64 {
	return c.weights
}

// Template returns the i'th template.
func (c *Corpus) Template(i int) *Template {
	return c.templates[i]
}

// Sample draws k templates by weighted sampling with replacement. Sampling
// from an empty corpus or asking for zero samples is a programmer error and
// panics. A nil rng falls back to the global unseeded source.
func (c *Corpus) Sample(k int, rng *rand.Rand) []*Template {
	if k == 0 {
		panic("corpus: samples must be > 0")
	}
	if len(c.templates) == 0 {
		panic("corpus: no request data")
	}
	if len(c.templates) != len(c.weights) {
		panic("corpus: weights vector must match the templates vector")
	}

	c.once.Do(func() {
		c.cum = make([]float64, len(c.weights))
		total := 0.0
		for i, w := range c.weights {
			total += w
			c.cum[i] = total
		}
	})
	total := c.cum[len(c.cum)-1]

	out := make([]*Template, k)
	for i := range out {
		var r float64
		if rng != nil {
			r = rng.Float64() * total
		} else {
			r = rand.Float64() * total
		}
		idx := sort.SearchFloat64s(c.cum, r)
		if idx == len(c.cum) {
			idx--
		}
		// SearchFloat64s finds the leftmost index with cum >= r; a draw that
		// lands exactly on a boundary belongs to the next bucket.
		for idx < len(c.cum)-1 && c.cum[idx] <= r {
			idx++
		}
		out[i] = c.templates[idx]
	}
	return out
}
