// Package scorer is the host side of the rule engine: a registry of named,
// weighted symbols with evaluators and cross-symbol dependencies, plus the
// per-message evaluation context. The registry is built once at compile time
// and is read-only during scans, so concurrent scans need no locking.
package scorer

import (
	"log"
	"strings"
	"time"

	"github.com/sa-scan/sa-scan/lib/mailmsg"
)

// EvalFn evaluates a symbol for one message. The returned value is 0 for
// no-match, 1 for a match or a hit count for counting rules.
type EvalFn func(ctx *Context) int

// Context is the per-message memoization cache. Created fresh for every
// message and never shared, see NewContext.
type Context struct {
	Msg   mailmsg.Message
	cache map[string]int
}

// NewContext makes an evaluation context for one message.
func NewContext(msg mailmsg.Message) *Context {
	return &Context{Msg: msg, cache: map[string]int{}}
}

// Cached returns the memoized result for a symbol, false if not computed yet.
func (c *Context) Cached(name string) (int, bool) {
	v, ok := c.cache[name]
	return v, ok
}

// SetCached stores a computed result for a symbol.
func (c *Context) SetCached(name string, v int) { c.cache[name] = v }

// Fired reports whether a symbol was already computed with a non-zero result.
func (c *Context) Fired(name string) bool {
	v, ok := c.cache[name]
	return ok && v != 0
}

type entry struct {
	name        string
	weight      float64
	fn          EvalFn
	score       *float64
	description string
}

// Registry holds registered symbols, their weights, metric scores and
// dependency edges. Register everything at compile time, then only Scan.
type Registry struct {
	entries map[string]*entry
	order   []string            // registration order, keeps scans deterministic
	deps    map[string][]string // symbol -> symbols it must run after
}

// NewRegistry makes an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}, deps: map[string][]string{}}
}

// Register adds a symbol with its weight and evaluator. Registering the same
// symbol again replaces the evaluator and weight.
func (r *Registry) Register(symbol string, weight float64, fn EvalFn) {
	if _, ok := r.entries[symbol]; !ok {
		r.order = append(r.order, symbol)
		r.entries[symbol] = &entry{name: symbol}
	}
	r.entries[symbol].weight = weight
	r.entries[symbol].fn = fn
}

// SetMetric sets an explicit score and description for a symbol. The score
// takes precedence over the registration weight when the symbol fires.
func (r *Registry) SetMetric(symbol string, score float64, description string) {
	if _, ok := r.entries[symbol]; !ok {
		r.order = append(r.order, symbol)
		r.entries[symbol] = &entry{name: symbol}
	}
	r.entries[symbol].score = &score
	r.entries[symbol].description = description
}

// AddDependency records that symbol must be evaluated after dependsOn.
func (r *Registry) AddDependency(symbol, dependsOn string) {
	r.deps[symbol] = append(r.deps[symbol], dependsOn)
}

// Has reports whether a symbol is registered.
func (r *Registry) Has(symbol string) bool {
	_, ok := r.entries[symbol]
	return ok
}

// SymbolInfo describes a registered symbol for introspection.
type SymbolInfo struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// Symbols returns all registered symbols in registration order.
func (r *Registry) Symbols() []SymbolInfo {
	res := make([]SymbolInfo, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		sc := e.weight
		if e.score != nil {
			sc = *e.score
		}
		res = append(res, SymbolInfo{Name: e.name, Score: sc, Description: e.description})
	}
	return res
}

// Symbol is a fired symbol in a scan result.
type Symbol struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// Result is the outcome of scanning one message.
type Result struct {
	Score     float64           `json:"score"`
	Symbols   map[string]Symbol `json:"symbols"`
	MessageID string            `json:"message-id,omitempty"`
	ScanTime  float64           `json:"scan_time"`
}

// Scan evaluates all registered symbols against the message, dependencies
// first, and returns the fired symbols with the total score. Symbols with
// zero effective score are evaluated (metas may reference them) but omitted
// from the result.
func (r *Registry) Scan(msg mailmsg.Message) *Result {
	started := time.Now()
	ctx := NewContext(msg)
	res := &Result{Symbols: map[string]Symbol{}}

	for _, name := range r.evalOrder() {
		e := r.entries[name]
		if e.fn == nil {
			continue // metric-only entry, e.g. a score line without a rule
		}
		hits := e.fn(ctx)
		ctx.SetCached(name, hits)
		if hits == 0 {
			continue
		}
		sc := e.weight
		if e.score != nil {
			sc = *e.score
		}
		if sc == 0 {
			continue
		}
		total := sc * float64(hits)
		res.Score += total
		res.Symbols[name] = Symbol{Name: name, Score: total, Description: e.description}
	}

	if mid := msg.HeadersByName("Message-Id", false); len(mid) > 0 {
		res.MessageID = strings.Trim(strings.TrimSpace(mid[0].Value), "<>")
	}
	res.ScanTime = time.Since(started).Seconds()
	return res
}

// evalOrder returns the registration order adjusted so every symbol comes
// after its recorded dependencies. Cycles are not detected here, the rule
// compiler is expected to not produce them; on a cycle the remaining symbols
// are appended in registration order.
func (r *Registry) evalOrder() []string {
	if len(r.deps) == 0 {
		return r.order
	}

	indeg := map[string]int{}
	dependents := map[string][]string{}
	for sym, deps := range r.deps {
		for _, dep := range deps {
			if !r.Has(dep) || !r.Has(sym) {
				continue // dependency on something never registered, nothing to order
			}
			indeg[sym]++
			dependents[dep] = append(dependents[dep], sym)
		}
	}

	var order []string
	queued := map[string]bool{}
	var queue []string
	for _, name := range r.order {
		if indeg[name] == 0 {
			queue = append(queue, name)
			queued[name] = true
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indeg[dep]--
			if indeg[dep] == 0 && !queued[dep] {
				queue = append(queue, dep)
				queued[dep] = true
			}
		}
	}
	if len(order) != len(r.order) {
		log.Printf("[WARN] dependency cycle among symbols, falling back to registration order for the rest")
		for _, name := range r.order {
			if !queued[name] {
				order = append(order, name)
			}
		}
	}
	return order
}
