// Package sarules compiles SpamAssassin-style rule files into an immutable
// engine and evaluates messages against it. Rule files are line-oriented
// directives (header/body/rawbody/full/uri/meta plus supporting directives),
// the engine turns every rule into a named symbol registered with the scorer.
package sarules

import (
	"github.com/dlclark/regexp2"
)

// hiddenPrefix marks internal symbols. Symbols starting with it score zero and
// never show up in scan results; the publish transform renames rules into this
// namespace.
const hiddenPrefix = "__"

// RuleType is the kind of a parsed rule.
type RuleType int

// rule types, in rough order of how often they show up in rule files
const (
	TypeHeader   RuleType = iota // matches header values
	TypePart                     // matches decoded text parts
	TypeMessage                  // matches the entire raw message
	TypeURI                      // matches extracted urls
	TypeMeta                     // boolean/arithmetic combination of other rules
	TypeFunction                 // built-in predicate, e.g. eval:check_freemail_from()
)

func (t RuleType) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypePart:
		return "part"
	case TypeMessage:
		return "message"
	case TypeURI:
		return "uri"
	case TypeMeta:
		return "meta"
	case TypeFunction:
		return "function"
	}
	return "unknown"
}

// ExtractKind selects the value derived from a matched header before testing.
type ExtractKind int

// extraction modes for header selectors
const (
	ExtractNone ExtractKind = iota
	ExtractAddr             // address part(s) of the value
	ExtractName             // display name(s) of the value
)

// HeaderSelector is one term of a header spec: one or more aliased header
// names plus per-term modifiers.
type HeaderSelector struct {
	Names   []string    // aliased header names, e.g. MESSAGEID expands to several
	Raw     bool        // use the undecoded value
	Strong  bool        // case-sensitive header name lookup
	Extract ExtractKind // applied to each matched header value
}

// FuncCall is a reference to a built-in predicate with its literal arguments.
type FuncCall struct {
	Name string
	Args []string
}

// Rule is a single finalized rule. Mutated only while the parser assembles it
// and while the compiler applies tag substitution; immutable once the engine
// is built.
type Rule struct {
	Symbol   string
	Type     RuleType
	ReText   string          // regex source, before compilation
	ReFlags  string          // regex flags as written, e.g. "i"
	Re       *regexp2.Regexp // compiled matcher, nil for meta/function rules
	MetaExpr string          // meta rules only
	Function *FuncCall       // function rules only

	Score       *float64 // explicit score, nil if none given
	Description string

	Multiple bool // count matches instead of boolean result
	MaxHits  int  // cap for Multiple, 0 - unbounded
	Nice     bool
	Publish  bool
	Not      bool // negate the match

	Headers  []HeaderSelector // header rules only
	Unset    string           // fallback value when the header is absent
	HasUnset bool
}

// Hidden reports whether the rule's symbol is in the internal namespace.
func (r *Rule) Hidden() bool { return isHidden(r.Symbol) }

func isHidden(symbol string) bool {
	return len(symbol) >= 2 && symbol[0] == '_' && symbol[1] == '_'
}

// ReplacementSet holds the replace_* directive state: named template
// fragments and the list of rules whose regex source gets rewritten.
type ReplacementSet struct {
	Pre   map[string]string
	Inter map[string]string
	Post  map[string]string
	Tags  map[string]string
	Rules []string // symbols listed under replace_rules, in order
}

func newReplacementSet() *ReplacementSet {
	return &ReplacementSet{
		Pre:   map[string]string{},
		Inter: map[string]string{},
		Post:  map[string]string{},
		Tags:  map[string]string{},
	}
}

// RuleSet is the outcome of parsing: the rule table plus everything collected
// along the way. Produced by Parser.Result, consumed by Compile.
type RuleSet struct {
	Rules           map[string]*Rule
	Order           []string // insertion order of Rules
	Scores          map[string]float64
	FreemailDomains []string // each entry an "@domain" suffix literal
	Replacements    *ReplacementSet
}

func newRuleSet() *RuleSet {
	return &RuleSet{
		Rules:        map[string]*Rule{},
		Scores:       map[string]float64{},
		Replacements: newReplacementSet(),
	}
}

func (rs *RuleSet) insert(r *Rule) {
	if _, ok := rs.Rules[r.Symbol]; !ok {
		rs.Order = append(rs.Order, r.Symbol)
	}
	rs.Rules[r.Symbol] = r
}
