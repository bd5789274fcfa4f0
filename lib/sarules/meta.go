package sarules

import (
	"log"
	"math"

	"github.com/sa-scan/sa-scan/lib/expression"
	"github.com/sa-scan/sa-scan/lib/scorer"
)

// metaEval builds the evaluator for a compiled meta expression. Atom
// references resolve against the local atom table first; names not defined
// locally fall back to the host's already-computed results (guaranteed
// available by the dependency edges recorded at compile time).
func (e *Engine) metaEval(symbol string, expr *expression.Expr) scorer.EvalFn {
	return func(ctx *scorer.Context) int {
		v := expr.Eval(func(name string) float64 {
			if atom, ok := e.atoms[name]; ok {
				return float64(atom(ctx))
			}
			if cached, ok := ctx.Cached(name); ok {
				return float64(cached)
			}
			log.Printf("[DEBUG] meta %s references unknown atom %s, treated as no-match", symbol, name)
			return 0
		})
		switch {
		case v == 0:
			return 0
		case v == math.Trunc(v):
			return int(v)
		default:
			return 1
		}
	}
}
