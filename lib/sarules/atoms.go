package sarules

import (
	"log"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/sa-scan/sa-scan/lib/mailmsg"
	"github.com/sa-scan/sa-scan/lib/regexcache"
	"github.com/sa-scan/sa-scan/lib/scorer"
)

// bindAtom turns a non-meta rule into an executable predicate. Returns nil
// for rules that can't be bound (already logged).
func (e *Engine) bindAtom(r *Rule) scorer.EvalFn {
	switch r.Type {
	case TypeHeader:
		if r.Re == nil {
			return nil
		}
		return func(ctx *scorer.Context) int { return e.evalHeader(r, ctx) }
	case TypePart:
		if r.Re == nil {
			return nil
		}
		return func(ctx *scorer.Context) int { return evalPart(r, ctx) }
	case TypeMessage:
		if r.Re == nil {
			return nil
		}
		return func(ctx *scorer.Context) int { return matchValue(r, string(ctx.Msg.Raw())) }
	case TypeURI:
		if r.Re == nil {
			return nil
		}
		return func(ctx *scorer.Context) int { return evalURI(r, ctx) }
	case TypeFunction:
		return e.bindFunction(r)
	}
	log.Printf("[WARN] rule %s has unsupported type %s", r.Symbol, r.Type)
	return nil
}

// matchValue applies the shared matching semantics: a match count capped at
// maxhits for multiple-flagged rules, 1/0 otherwise.
func matchValue(r *Rule, val string) int {
	if r.Multiple {
		return regexcache.MatchCount(r.Re, val, r.MaxHits)
	}
	if regexcache.Match(r.Re, val) {
		return 1
	}
	return 0
}

// evalHeader gathers values for every selector and tests them in order,
// short-circuiting on the first hit. Negation flips truthiness per value.
func (e *Engine) evalHeader(r *Rule, ctx *scorer.Context) int {
	var values []string
	for _, sel := range r.Headers {
		for _, name := range sel.Names {
			for _, h := range ctx.Msg.HeadersByName(name, sel.Strong) {
				val := h.Value
				if sel.Raw {
					val = h.Raw
				}
				switch sel.Extract {
				case ExtractAddr:
					values = append(values, mailmsg.ExtractAddrs(val)...)
				case ExtractName:
					values = append(values, mailmsg.ExtractNames(val)...)
				default:
					values = append(values, val)
				}
			}
		}
	}

	if len(values) == 0 && r.HasUnset {
		values = append(values, r.Unset)
	}
	if len(values) == 0 {
		if r.Not {
			return 1
		}
		return 0
	}

	for _, val := range values {
		res := matchValue(r, val)
		if r.Not {
			if res == 0 {
				return 1
			}
			continue
		}
		if res != 0 {
			return res
		}
	}
	return 0
}

// evalPart tests the first non-empty text part only. Parts with a non-native
// charset are matched on the original bytes, not the utf-8 conversion.
func evalPart(r *Rule, ctx *scorer.Context) int {
	for _, p := range ctx.Msg.TextParts() {
		if p.Empty() {
			continue
		}
		val := p.Content
		if !p.Native {
			val = p.Raw
		}
		return matchValue(r, val)
	}
	return 0
}

// evalURI tests every extracted url, short-circuiting on the first hit.
func evalURI(r *Rule, ctx *scorer.Context) int {
	for _, u := range ctx.Msg.URLs() {
		if res := matchValue(r, u); res != 0 {
			return res
		}
	}
	return 0
}

// bindFunction binds a function rule to one of the built-in predicates,
// compiling any secondary regex argument up front.
func (e *Engine) bindFunction(r *Rule) scorer.EvalFn {
	f := r.Function
	if f == nil {
		return nil
	}
	switch f.Name {
	case funcAllHeaders:
		return func(ctx *scorer.Context) int {
			res := matchValue(r, ctx.Msg.RawHeaders())
			if r.Not {
				if res == 0 {
					return 1
				}
				return 0
			}
			return res
		}
	case funcExists:
		header := f.Args[0]
		return func(ctx *scorer.Context) int {
			if len(ctx.Msg.HeadersByName(header, false)) > 0 {
				return 1
			}
			return 0
		}
	case "check_freemail_from":
		re, ok := e.compileFuncRe(r.Symbol, optArg(f.Args, 0))
		if !ok {
			return nil
		}
		return func(ctx *scorer.Context) int { return e.freemailCheck(ctx.Msg.From(), re) }
	case "check_freemail_replyto":
		re, ok := e.compileFuncRe(r.Symbol, optArg(f.Args, 0))
		if !ok {
			return nil
		}
		return func(ctx *scorer.Context) int { return e.freemailCheck(ctx.Msg.ReplyTo(), re) }
	case "check_freemail_header":
		header := f.Args[0]
		re, ok := e.compileFuncRe(r.Symbol, optArg(f.Args, 1))
		if !ok {
			return nil
		}
		return func(ctx *scorer.Context) int {
			for _, h := range ctx.Msg.HeadersByName(header, false) {
				if e.freemailCheck(h.Value, re) != 0 {
					return 1
				}
			}
			return 0
		}
	case "check_for_missing_to_header":
		return func(ctx *scorer.Context) int {
			if ctx.Msg.HasRecipients() {
				return 0
			}
			return 1
		}
	case "check_for_shifted_date":
		minH, minSet, err := parseHours(f.Args[0])
		if err != nil {
			log.Printf("[WARN] rule %s: bad min hours %q, dropped", r.Symbol, f.Args[0])
			return nil
		}
		maxH, maxSet, err := parseHours(f.Args[1])
		if err != nil {
			log.Printf("[WARN] rule %s: bad max hours %q, dropped", r.Symbol, f.Args[1])
			return nil
		}
		return func(ctx *scorer.Context) int {
			date, ok := ctx.Msg.Date()
			if !ok {
				return 0
			}
			diff := date.Sub(ctx.Msg.ReceivedAt()).Hours()
			if minSet && diff < minH {
				return 0
			}
			if maxSet && diff >= maxH {
				return 0
			}
			return 1
		}
	}
	log.Printf("[WARN] rule %s: function %q not supported, dropped", r.Symbol, f.Name)
	return nil
}

// freemailCheck reports whether val mentions a freemail domain, additionally
// constrained by an optional regex.
func (e *Engine) freemailCheck(val string, re *regexp2.Regexp) int {
	// domain list is lowercased on parse, header values may not be
	val = strings.ToLower(val)
	if val == "" || e.freemail.Count(val) == 0 {
		return 0
	}
	if re != nil && !regexcache.Match(re, val) {
		return 0
	}
	return 1
}

// compileFuncRe compiles an optional regex argument which may be given either
// as a /re/flags literal or a bare pattern. ok is false only on compile error.
func (e *Engine) compileFuncRe(symbol, arg string) (re *regexp2.Regexp, ok bool) {
	if arg == "" {
		return nil, true
	}
	pattern, flags := arg, ""
	if strings.HasPrefix(arg, "/") {
		p, fl, err := splitRegex(arg)
		if err != nil {
			log.Printf("[WARN] rule %s: %v", symbol, err)
			return nil, false
		}
		pattern, flags = p, fl
	}
	compiled, err := e.cache.Compile(pattern, flags)
	if err != nil {
		log.Printf("[WARN] rule %s: %v", symbol, err)
		return nil, false
	}
	return compiled, true
}

func optArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// parseHours parses a shifted-date bound; "undef" means unbounded.
func parseHours(s string) (v float64, set bool, err error) {
	if s == "undef" || s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	return v, err == nil, err
}
