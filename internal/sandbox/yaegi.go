package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// YaegiRunner interprets the mutation payload as Go source instead of
// compiling and executing it. Each Run builds a fresh interpreter, so
// concurrent sandboxes share no state, and a hostile payload cannot reach
// the filesystem, network, or process table: only an allow-list of stdlib
// packages is importable.
//
// The payload contract: the code defines
//
//	func Run(test string) (float64, error)
//
// returning a score in [0,1] for the named test type, or an error to fail it.
type YaegiRunner struct {
	allowed map[string]bool
}

// NewYaegiRunner creates a runner with the default import allow-list.
func NewYaegiRunner() *YaegiRunner {
	return &YaegiRunner{
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,

			// Blocked by omission: os, os/exec, net, net/http, syscall,
			// unsafe, plugin, runtime/debug.
		},
	}
}

// Run implements PayloadRunner.
func (y *YaegiRunner) Run(ctx context.Context, code string, test TestType) (Measurement, error) {
	if err := y.validateImports(code); err != nil {
		return Measurement{}, fmt.Errorf("payload rejected: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return Measurement{}, fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapPayload(code)); err != nil {
		return Measurement{}, fmt.Errorf("payload does not evaluate: %w", err)
	}

	value, err := i.Eval("main.Run")
	if err != nil {
		return Measurement{}, fmt.Errorf("payload defines no Run function: %w", err)
	}
	run, ok := value.Interface().(func(string) (float64, error))
	if !ok {
		return Measurement{}, fmt.Errorf("Run has wrong signature, want func(string) (float64, error)")
	}

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("payload panicked: %v", r)}
			}
		}()
		score, err := run(string(test))
		done <- outcome{score: score, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Measurement{}, out.err
		}
		return Measurement{Score: out.score}, nil
	case <-ctx.Done():
		// The interpreter goroutine is abandoned; a fresh interpreter per
		// Run keeps the leak contained to the payload's own work.
		return Measurement{}, fmt.Errorf("payload timed out: %w", ctx.Err())
	}
}

// validateImports rejects payloads importing anything off the allow-list.
func (y *YaegiRunner) validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !y.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapPayload ensures the snippet is a complete main package.
func wrapPayload(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
