// Package mock provides deterministic in-process implementations of
// ai.Classifier and ai.Embedder for local runs and tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/maciekb2/content-pipeline/pkg/flow"
)

// DefaultBlocklist is the set of terms that make the default classifier reject.
var DefaultBlocklist = []string{"spam", "scam", "nsfw"}

// Classifier rejects content that mentions a blocklisted term and approves
// everything else, extracting the most frequent words as keywords.
// ClassifyFunc overrides the default behavior when set.
type Classifier struct {
	ClassifyFunc func(ctx context.Context, title, body string) (flow.AnalysisResult, error)
	Blocklist    []string

	mu    sync.Mutex
	calls int
}

func NewClassifier() *Classifier {
	return &Classifier{Blocklist: DefaultBlocklist}
}

func (c *Classifier) Classify(ctx context.Context, title, body string) (flow.AnalysisResult, error) {
	c.mu.Lock()
	c.calls++
	fn := c.ClassifyFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, title, body)
	}
	if err := ctx.Err(); err != nil {
		return flow.AnalysisResult{}, err
	}
	words := tokenize(title + " " + body)
	for _, w := range words {
		for _, banned := range c.Blocklist {
			if w == banned {
				return flow.AnalysisResult{Approved: false, Keywords: []string{}, Reason: "contains blocked term: " + banned}, nil
			}
		}
	}
	return flow.AnalysisResult{Approved: true, Keywords: topWords(words, 8), Reason: "no blocked terms"}, nil
}

// CallCount returns how many times Classify ran.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Embedder returns a unit vector derived from the FNV hash of the text.
type Embedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	Dims      int

	mu    sync.Mutex
	calls int
}

func NewEmbedder(dims int) *Embedder {
	return &Embedder{Dims: dims}
}

func (e *Embedder) Dimensions() int { return e.Dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	fn := e.EmbedFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Vector(text, e.Dims), nil
}

func (e *Embedder) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Vector generates the deterministic embedding for text.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vec := make([]float32, dim)
	var sum float64
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000.0 + 0.001
		sum += float64(vec[i]) * float64(vec[i])
	}
	if sum > 0 {
		norm := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// topWords returns up to n words longer than three runes, most frequent
// first, ties broken by first appearance.
func topWords(words []string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, w := range words {
		if len([]rune(w)) <= 3 {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	out := make([]string, 0, n)
	for len(out) < n && len(order) > 0 {
		best := 0
		for i, w := range order {
			if counts[w] > counts[order[best]] {
				best = i
			}
		}
		out = append(out, order[best])
		order = append(order[:best], order[best+1:]...)
	}
	return out
}
