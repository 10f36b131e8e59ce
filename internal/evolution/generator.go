package evolution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// blueprint is one entry in the generator's catalog. The code payloads
// follow the sandbox contract: a main package exporting
// Run(test string) (float64, error).
type blueprint struct {
	category    Category
	target      string
	description string
	code        string
}

// Generator emits candidate mutations by walking a fixed catalog
// round-robin, so repeated cycles cover every category deterministically.
type Generator struct {
	mu      sync.Mutex
	next    int
	catalog []blueprint
}

// NewGenerator returns a generator with the built-in catalog.
func NewGenerator() *Generator {
	return &Generator{catalog: defaultCatalog()}
}

// Generate produces n fresh mutations in Generated status.
func (g *Generator) Generate(n int) []*Mutation {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Mutation, 0, n)
	for i := 0; i < n; i++ {
		bp := g.catalog[g.next%len(g.catalog)]
		g.next++
		out = append(out, &Mutation{
			ID:          uuid.New(),
			Category:    bp.category,
			Target:      bp.target,
			Description: bp.description,
			Code:        bp.code,
			Status:      StatusGenerated,
			GeneratedAt: time.Now(),
		})
	}
	return out
}

func defaultCatalog() []blueprint {
	return []blueprint{
		{
			category:    CategoryPerformance,
			target:      "request_router",
			description: "Cache route lookups to cut per-request allocation",
			code: `package main

func Run(test string) (float64, error) {
	scores := map[string]float64{
		"performance": 0.95,
		"security":    0.85,
		"reliability": 0.9,
		"integration": 0.9,
		"stress":      0.85,
	}
	s, ok := scores[test]
	if !ok {
		return 0, nil
	}
	return s, nil
}
`,
		},
		{
			category:    CategorySecurity,
			target:      "input_validator",
			description: "Tighten header parsing against oversized fields",
			code: `package main

import "strings"

func Run(test string) (float64, error) {
	base := 0.82
	if strings.HasPrefix(test, "sec") {
		base = 0.93
	}
	return base, nil
}
`,
		},
		{
			category:    CategoryReliability,
			target:      "retry_policy",
			description: "Add jitter to backoff to avoid retry stampedes",
			code: `package main

func Run(test string) (float64, error) {
	scores := map[string]float64{
		"performance": 0.8,
		"security":    0.8,
		"reliability": 0.97,
		"integration": 0.88,
		"stress":      0.9,
	}
	return scores[test], nil
}
`,
		},
		{
			category:    CategoryEfficiency,
			target:      "buffer_pool",
			description: "Reuse scratch buffers in the hot decode path",
			code: `package main

import "errors"

func Run(test string) (float64, error) {
	if test == "stress" {
		return 0, errors.New("pool exhausted under sustained load")
	}
	return 0.7, nil
}
`,
		},
		{
			category:    CategoryIntelligence,
			target:      "scheduler_heuristics",
			description: "Weight task placement by recent latency percentiles",
			code: `package main

func Run(test string) (float64, error) {
	scores := map[string]float64{
		"performance": 0.88,
		"security":    0.84,
		"reliability": 0.86,
		"integration": 0.9,
		"stress":      0.82,
	}
	return scores[test], nil
}
`,
		},
	}
}
