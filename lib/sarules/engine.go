package sarules

import (
	"log"
	"math"

	"github.com/sa-scan/sa-scan/lib/expression"
	"github.com/sa-scan/sa-scan/lib/mailmsg"
	"github.com/sa-scan/sa-scan/lib/regexcache"
	"github.com/sa-scan/sa-scan/lib/scorer"
)

// Config is a set of parameters for Compile. Pattern size limits belong to
// the regexcache.Cache passed in, not here.
type Config struct {
	AlphaThreshold float64 // score magnitude above which a rule is wrapped into a sole meta, default 0.5
}

// Engine is a compiled rule set. Immutable and safe for concurrent scans.
type Engine struct {
	cfg      Config
	cache    *regexcache.Cache
	atoms    map[string]scorer.EvalFn
	freemail *FreemailMatcher
	registry *scorer.Registry
}

// Compile turns a parsed rule set into an engine: applies tag substitution,
// builds the freemail matcher, binds every non-meta rule into an atom, then
// compiles meta expressions and records cross-symbol dependencies. Broken
// rules are logged and dropped, they never fail the whole compilation.
func Compile(rs *RuleSet, cache *regexcache.Cache, cfg Config) *Engine {
	if cfg.AlphaThreshold == 0 {
		cfg.AlphaThreshold = 0.5
	}
	e := &Engine{
		cfg:      cfg,
		cache:    cache,
		atoms:    map[string]scorer.EvalFn{},
		freemail: NewFreemailMatcher(rs.FreemailDomains),
		registry: scorer.NewRegistry(),
	}

	e.applyReplacements(rs)

	// phase 1: bind atoms for all non-meta rules
	var metas []*Rule
	for _, symbol := range rs.Order {
		rule := rs.Rules[symbol]
		if rule.Type == TypeMeta {
			metas = append(metas, rule)
			continue
		}
		fn := e.bindAtom(rule)
		if fn == nil {
			continue
		}
		e.atoms[symbol] = memoize(symbol, fn)
	}

	// register plain atoms; high-scoring ones go through the meta path so the
	// host treats them uniformly with real metas
	for _, symbol := range rs.Order {
		rule := rs.Rules[symbol]
		if rule.Type == TypeMeta || rule.Hidden() {
			continue // hidden rules are atoms only, referenced by metas
		}
		fn, ok := e.atoms[symbol]
		if !ok {
			continue
		}
		cs := calculateScore(symbol, rule)
		if rule.Score != nil && math.Abs(*rule.Score*cs) > e.cfg.AlphaThreshold {
			metas = append(metas, &Rule{Symbol: symbol, Type: TypeMeta, MetaExpr: symbol,
				Score: rule.Score, Description: rule.Description})
			continue
		}
		e.registry.Register(symbol, cs, fn)
		if rule.Score != nil {
			e.registry.SetMetric(symbol, *rule.Score, rule.Description)
		}
	}

	// phase 2: compile meta expressions, then record dependencies on atoms
	// that are not locally defined
	type compiledMeta struct {
		rule *Rule
		expr *expression.Expr
	}
	var compiled []compiledMeta
	for _, rule := range metas {
		expr, err := expression.Parse(rule.MetaExpr)
		if err != nil {
			log.Printf("[WARN] meta %s dropped: %v", rule.Symbol, err)
			continue
		}
		fn := memoize(rule.Symbol, e.metaEval(rule.Symbol, expr))
		if !rule.Hidden() {
			e.registry.Register(rule.Symbol, calculateScore(rule.Symbol, rule), fn)
			if rule.Score != nil {
				e.registry.SetMetric(rule.Symbol, *rule.Score, rule.Description)
			}
		}
		if _, ok := e.atoms[rule.Symbol]; !ok {
			e.atoms[rule.Symbol] = fn // other metas may reference this one
		}
		compiled = append(compiled, compiledMeta{rule: rule, expr: expr})
	}

	for _, cm := range compiled {
		for _, name := range cm.expr.Atoms() {
			if _, ok := e.atoms[name]; ok {
				continue
			}
			log.Printf("[DEBUG] meta %s depends on external symbol %s", cm.rule.Symbol, name)
			e.registry.AddDependency(cm.rule.Symbol, name)
		}
	}

	return e
}

// applyReplacements closes the tags map and rewrites the regex source of
// every rule listed under replace_rules. A rewrite that fails to recompile
// keeps the original regex.
func (e *Engine) applyReplacements(rs *RuleSet) {
	rs.Replacements.CloseTags()
	for _, symbol := range rs.Replacements.Rules {
		rule, ok := rs.Rules[symbol]
		if !ok || rule.Re == nil {
			log.Printf("[DEBUG] replace_rules names %s which has no compiled regex", symbol)
			continue
		}
		rewritten, changed := rs.Replacements.Apply(rule.ReText)
		if !changed {
			continue
		}
		re, err := e.cache.Compile(rewritten, rule.ReFlags)
		if err != nil {
			log.Printf("[WARN] substituted regex for %s doesn't compile, keeping original: %v", symbol, err)
			continue
		}
		rule.ReText, rule.Re = rewritten, re
	}
}

// calculateScore is the sign/magnitude policy for default symbol weights:
// internal symbols score zero, nice or negatively scored rules score -1,
// everything else 1.
func calculateScore(symbol string, r *Rule) float64 {
	if isHidden(symbol) {
		return 0
	}
	if r.Nice || (r.Score != nil && *r.Score < 0) {
		return -1
	}
	return 1
}

// memoize wraps an evaluator with the per-message check-then-set contract:
// within one context the underlying computation runs at most once.
func memoize(symbol string, fn scorer.EvalFn) scorer.EvalFn {
	return func(ctx *scorer.Context) int {
		if v, ok := ctx.Cached(symbol); ok {
			return v
		}
		v := fn(ctx)
		ctx.SetCached(symbol, v)
		return v
	}
}

// Scan evaluates all registered symbols against the message.
func (e *Engine) Scan(msg mailmsg.Message) *scorer.Result {
	return e.registry.Scan(msg)
}

// Symbols returns the registered symbols with their effective scores.
func (e *Engine) Symbols() []scorer.SymbolInfo {
	return e.registry.Symbols()
}

// HasSymbol reports whether a symbol is registered with the host.
func (e *Engine) HasSymbol(symbol string) bool {
	return e.registry.Has(symbol)
}

// HasAtom reports whether an atom is bound, including hidden ones.
func (e *Engine) HasAtom(symbol string) bool {
	_, ok := e.atoms[symbol]
	return ok
}
