// Package predictor defines the contract between user model code and the
// model runner. A predictor is registered under a name at init time and is
// hosted by the worker binary in a process separate from the HTTP server.
package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// ErrCanceled is the cause installed on the prediction context when the
// runner requests cancellation. User code that checks context.Cause can
// distinguish cancellation from other context errors.
var ErrCanceled = errors.New("prediction canceled")

// Predictor is one user-defined compute function. Setup runs once per
// process; Predict runs once per prediction and must honor ctx cancellation.
//
// Predict may return either a single value or a lazy stream: a return value
// of type iter.Seq[any] (or the equivalent unnamed func type) is iterated
// element by element and delivered as a multi-output prediction.
type Predictor interface {
	Setup(ctx context.Context, weights string) error
	Predict(ctx context.Context, input map[string]any) (any, error)
}

// SchemaProvider is optionally implemented by predictors that declare an
// OpenAPI document for their input/output types. The runner serves it at
// GET /openapi.json and uses it to locate file-typed inputs.
type SchemaProvider interface {
	Schema() (json.RawMessage, error)
}

// File marks a filesystem path as a file-typed output leaf. The runner
// replaces it with an upload URL or a data URL before the response leaves
// the process.
func File(path string) string {
	return "file://" + path
}

type Factory func() Predictor

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a predictor available under name. It panics on duplicate
// registration, matching database/sql driver conventions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("predictor: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("predictor: Register called twice for %q", name))
	}
	registry[name] = factory
}

func Lookup(name string) (Factory, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("predictor %q not registered (registered: %v)", name, names())
	}
	return factory, nil
}

func names() []string {
	ns := make([]string, 0, len(registry))
	for n := range registry {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}

// AsStream reports whether a Predict return value is a lazy multi-output
// sequence, and if so returns it in canonical form.
func AsStream(v any) (iter.Seq[any], bool) {
	switch s := v.(type) {
	case iter.Seq[any]:
		return s, true
	case func(func(any) bool):
		return s, true
	default:
		return nil, false
	}
}
