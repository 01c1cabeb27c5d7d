// Package observability provides the plain-text metrics registry behind
// GET /metrics and optional OpenTelemetry tracing for execution lifecycles.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry holds monotonically increasing counters, settable gauges, and
// gauge functions sampled at render time.
type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	gaugeFns map[string]func() float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		gaugeFns: make(map[string]func() float64),
	}
}

func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

func (r *Registry) Add(name string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// RegisterGauge installs a function sampled on every render. Registering a
// name twice replaces the earlier function.
func (r *Registry) RegisterGauge(name string, fn func() float64) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaugeFns[name] = fn
}

func (r *Registry) CounterValue(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Render produces the exposition text: one "name value" line per metric in
// lexical order, counters first.
func (r *Registry) Render() string {
	r.mu.Lock()
	counterNames := sortedKeys(r.counters)
	gaugeValues := make(map[string]float64, len(r.gauges)+len(r.gaugeFns))
	for name, value := range r.gauges {
		gaugeValues[name] = value
	}
	fns := make(map[string]func() float64, len(r.gaugeFns))
	for name, fn := range r.gaugeFns {
		fns[name] = fn
	}
	counterValues := make(map[string]float64, len(r.counters))
	for name, value := range r.counters {
		counterValues[name] = value
	}
	r.mu.Unlock()

	// Gauge funcs run outside the lock so they may call back into
	// components that themselves use the registry.
	for name, fn := range fns {
		gaugeValues[name] = fn()
	}

	var b strings.Builder
	for _, name := range counterNames {
		writeLine(&b, name, counterValues[name])
	}
	for _, name := range sortedKeys(gaugeValues) {
		writeLine(&b, name, gaugeValues[name])
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeLine(b *strings.Builder, name string, value float64) {
	fmt.Fprintf(b, "%s %s\n", sanitizeName(name), strconv.FormatFloat(value, 'g', -1, 64))
}

func sanitizeName(name string) string {
	var b strings.Builder
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9' && i > 0:
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
