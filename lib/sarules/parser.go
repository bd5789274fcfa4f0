package sarules

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/sa-scan/sa-scan/lib/regexcache"
)

// knownPlugins is the allow-list for ifplugin blocks. Rules guarded by any
// other plugin are skipped wholesale.
var knownPlugins = map[string]struct{}{
	"Mail::SpamAssassin::Plugin::FreeMail":    {},
	"Mail::SpamAssassin::Plugin::HeaderEval":  {},
	"Mail::SpamAssassin::Plugin::ReplaceTags": {},
	"Mail::SpamAssassin::Plugin::MIMEHeader":  {},
	"Mail::SpamAssassin::Plugin::BodyEval":    {},
	"Mail::SpamAssassin::Plugin::WLBLEval":    {},
}

// evalFuncs is the fixed set of supported built-in predicates with their
// accepted argument counts.
var evalFuncs = map[string][]int{
	"check_freemail_from":         {0, 1},
	"check_freemail_replyto":      {0, 1},
	"check_freemail_header":       {1, 2},
	"check_for_missing_to_header": {0},
	"check_for_shifted_date":      {2},
}

// funcExists and funcAllHeaders are internal predicates produced by the
// exists: and ALL header syntax rather than by eval: directives.
const (
	funcExists     = "exists"
	funcAllHeaders = "check_all_headers"
)

// header name aliases; a single spec term may stand for several real headers
var headerAliases = map[string][]string{
	"MESSAGEID": {"Message-Id", "Resent-Message-Id", "X-Message-Id"},
	"ToCc":      {"To", "Cc", "Bcc"},
}

var (
	ifUnsetRe = regexp.MustCompile(`\s*\[if-unset:\s*([^\]]*)\]`)
	evalRe    = regexp.MustCompile(`^eval:([a-zA-Z0-9_]+)\s*\((.*)\)\s*$`)
)

// Parser accumulates rules from one or more rule files. Not safe for
// concurrent use; parse everything, then call Result once.
type Parser struct {
	cache    *regexcache.Cache
	rs       *RuleSet
	pending  *Rule
	skipping bool // inside an unsupported ifplugin block
}

// NewParser makes a parser compiling rule patterns through the given cache.
func NewParser(cache *regexcache.Cache) *Parser {
	return &Parser{cache: cache, rs: newRuleSet()}
}

// Parse reads one rule file. Malformed directives are logged and skipped,
// only a read failure is returned as an error.
func (p *Parser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.parseLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("can't read rules: %w", err)
	}
	p.finalize()
	p.skipping = false // skip state does not leak into the next file
	return nil
}

// Result applies accumulated score overrides and returns the rule set.
func (p *Parser) Result() *RuleSet {
	p.finalize()
	for symbol, score := range p.rs.Scores {
		rule, ok := p.rs.Rules[symbol]
		if !ok {
			log.Printf("[DEBUG] score override for unknown rule %s", symbol)
			continue
		}
		sc := score
		rule.Score = &sc
	}
	return p.rs
}

func (p *Parser) parseLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return
	}

	words := tokenize(trimmed)
	if len(words) == 0 {
		return
	}

	// flat skip-until-endif state, nested ifplugin is not supported
	if p.skipping {
		if words[0] == "endif" {
			p.skipping = false
		}
		return
	}

	switch words[0] {
	case "ifplugin":
		if len(words) < 2 {
			log.Printf("[WARN] ifplugin without a plugin name")
			return
		}
		if _, ok := knownPlugins[words[1]]; !ok {
			p.skipping = true
		}
	case "endif":
		// end of a supported block, nothing to do
	case "header":
		p.finalize()
		p.parseHeader(words)
	case "body":
		p.finalize()
		p.parseRegexRule(TypePart, words)
	case "rawbody", "full":
		p.finalize()
		p.parseRegexRule(TypeMessage, words)
	case "uri":
		p.finalize()
		p.parseRegexRule(TypeURI, words)
	case "meta":
		p.finalize()
		p.parseMeta(words)
	case "describe":
		p.parseDescribe(words)
	case "score":
		p.parseScore(words)
	case "tflags":
		p.parseTflags(words)
	case "freemail_domains":
		for _, d := range words[1:] {
			p.rs.FreemailDomains = append(p.rs.FreemailDomains, "@"+strings.ToLower(d))
		}
	case "replace_tag":
		p.parseReplacement(p.rs.Replacements.Tags, words)
	case "replace_pre":
		p.parseReplacement(p.rs.Replacements.Pre, words)
	case "replace_inter":
		p.parseReplacement(p.rs.Replacements.Inter, words)
	case "replace_post":
		p.parseReplacement(p.rs.Replacements.Post, words)
	case "replace_rules":
		p.rs.Replacements.Rules = append(p.rs.Replacements.Rules, words[1:]...)
	default:
		log.Printf("[DEBUG] unsupported directive %q ignored", words[0])
	}
}

// tokenize splits a line into whitespace-delimited words, dropping everything
// from the first word starting with # (trailing inline comment).
func tokenize(line string) []string {
	words := strings.Fields(line)
	for i, w := range words {
		if strings.HasPrefix(w, "#") {
			return words[:i]
		}
	}
	return words
}

func (p *Parser) parseHeader(words []string) {
	if len(words) < 3 {
		log.Printf("[WARN] malformed header directive: %s", strings.Join(words, " "))
		return
	}
	symbol := words[1]

	// regex form: header SYM HeaderSpec =~ /re/flags
	opIdx := -1
	for i, w := range words[2:] {
		if w == "=~" || w == "!~" {
			opIdx = i + 2
			break
		}
	}
	if opIdx < 0 {
		p.parseHeaderFunction(symbol, strings.Join(words[2:], " "))
		return
	}
	if opIdx == 2 || opIdx == len(words)-1 {
		log.Printf("[WARN] malformed header rule %s", symbol)
		return
	}

	rule := &Rule{Symbol: symbol, Type: TypeHeader, Not: words[opIdx] == "!~"}
	reText := strings.Join(words[opIdx+1:], " ")

	if m := ifUnsetRe.FindStringSubmatch(reText); m != nil {
		rule.Unset = strings.TrimSpace(m[1])
		rule.HasUnset = true
		reText = ifUnsetRe.ReplaceAllString(reText, "")
	}

	pattern, flags, err := splitRegex(reText)
	if err != nil {
		log.Printf("[WARN] rule %s: %v", symbol, err)
		return
	}
	rule.ReText, rule.ReFlags = pattern, flags

	headerSpec := strings.Join(words[2:opIdx], " ")
	if headerSpec == "ALL" || headerSpec == "ALL:raw" {
		rule.Type = TypeFunction
		rule.Function = &FuncCall{Name: funcAllHeaders}
		p.pending = rule
		return
	}

	for _, term := range strings.Split(headerSpec, "|") {
		sel, ok := parseSelector(strings.TrimSpace(term))
		if !ok {
			log.Printf("[WARN] rule %s: empty header selector in %q", symbol, headerSpec)
			continue
		}
		rule.Headers = append(rule.Headers, sel)
	}
	if len(rule.Headers) == 0 {
		log.Printf("[WARN] rule %s has no usable header selectors, dropped", symbol)
		return
	}
	p.pending = rule
}

func parseSelector(term string) (HeaderSelector, bool) {
	parts := strings.Split(term, ":")
	name := parts[0]
	if name == "" {
		return HeaderSelector{}, false
	}
	sel := HeaderSelector{Names: []string{name}}
	if aliases, ok := headerAliases[name]; ok {
		sel.Names = aliases
	}
	for _, mod := range parts[1:] {
		switch mod {
		case "addr":
			sel.Extract = ExtractAddr
		case "name":
			sel.Extract = ExtractName
		case "raw":
			sel.Raw = true
		case "case":
			sel.Strong = true
		default:
			log.Printf("[WARN] unknown header modifier %q ignored", mod)
		}
	}
	return sel, true
}

// parseHeaderFunction handles the eval:NAME(ARGS) and exists:NAME forms.
func (p *Parser) parseHeaderFunction(symbol, rest string) {
	if name, ok := strings.CutPrefix(rest, "exists:"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			log.Printf("[WARN] rule %s: exists: without a header name", symbol)
			return
		}
		p.pending = &Rule{Symbol: symbol, Type: TypeFunction,
			Function: &FuncCall{Name: funcExists, Args: []string{name}}}
		return
	}

	m := evalRe.FindStringSubmatch(rest)
	if m == nil {
		log.Printf("[WARN] rule %s: unsupported header form %q, dropped", symbol, rest)
		return
	}
	name, args := m[1], splitArgs(m[2])
	counts, ok := evalFuncs[name]
	if !ok {
		log.Printf("[WARN] rule %s: unknown eval function %q, dropped", symbol, name)
		return
	}
	valid := false
	for _, n := range counts {
		if len(args) == n {
			valid = true
		}
	}
	if !valid {
		log.Printf("[WARN] rule %s: wrong argument count for %s, dropped", symbol, name)
		return
	}
	p.pending = &Rule{Symbol: symbol, Type: TypeFunction, Function: &FuncCall{Name: name, Args: args}}
}

// splitArgs splits eval arguments on commas, stripping quotes.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var args []string
	for _, a := range strings.Split(s, ",") {
		args = append(args, strings.Trim(strings.TrimSpace(a), `'"`))
	}
	return args
}

func (p *Parser) parseRegexRule(t RuleType, words []string) {
	if len(words) < 3 {
		log.Printf("[WARN] malformed %s directive", words[0])
		return
	}
	symbol := words[1]
	reText := strings.Join(words[2:], " ")
	if !strings.Contains(reText, "/") {
		log.Printf("[WARN] rule %s: no regex in %s directive, dropped", symbol, words[0])
		return
	}
	pattern, flags, err := splitRegex(reText)
	if err != nil {
		log.Printf("[WARN] rule %s: %v", symbol, err)
		return
	}
	p.pending = &Rule{Symbol: symbol, Type: t, ReText: pattern, ReFlags: flags}
}

func (p *Parser) parseMeta(words []string) {
	if len(words) < 3 {
		log.Printf("[WARN] malformed meta directive")
		return
	}
	p.pending = &Rule{Symbol: words[1], Type: TypeMeta, MetaExpr: strings.Join(words[2:], " ")}
}

func (p *Parser) parseDescribe(words []string) {
	if p.pending == nil || len(words) < 3 {
		return
	}
	// a describe for some other symbol must not leak into the pending rule
	if words[1] != p.pending.Symbol {
		log.Printf("[DEBUG] describe %s ignored, pending rule is %s", words[1], p.pending.Symbol)
		return
	}
	p.pending.Description = strings.Join(words[2:], " ")
}

func (p *Parser) parseScore(words []string) {
	if len(words) < 3 {
		log.Printf("[WARN] malformed score line: %s", strings.Join(words, " "))
		return
	}
	symbol := words[1]
	var val string
	switch len(words) {
	case 3:
		val = words[2]
	case 6:
		// legacy 4-score form, the 4th value assumes bayes+network scoring
		val = words[5]
	default:
		log.Printf("[WARN] score line for %s has %d values, defaulting to 0", symbol, len(words)-2)
		p.rs.Scores[symbol] = 0
		return
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Printf("[WARN] can't parse score %q for %s: %v", val, symbol, err)
		return
	}
	p.rs.Scores[symbol] = score
}

func (p *Parser) parseTflags(words []string) {
	if p.pending == nil {
		return
	}
	for _, flag := range words[1:] {
		switch {
		case flag == "publish":
			p.pending.Publish = true
		case flag == "multiple":
			p.pending.Multiple = true
		case flag == "nice":
			p.pending.Nice = true
		case strings.HasPrefix(flag, "maxhits="):
			n, err := strconv.Atoi(strings.TrimPrefix(flag, "maxhits="))
			if err != nil {
				log.Printf("[WARN] bad maxhits value %q for %s", flag, p.pending.Symbol)
				continue
			}
			p.pending.MaxHits = n
		default:
			// the rule language has many more tflags, they don't affect matching
		}
	}
}

func (p *Parser) parseReplacement(dst map[string]string, words []string) {
	if len(words) < 3 {
		log.Printf("[WARN] malformed %s directive", words[0])
		return
	}
	dst[words[1]] = strings.Join(words[2:], " ")
}

// finalize compiles and inserts the pending rule, applying the publish
// transform. A rule whose regex fails to compile is dropped entirely.
func (p *Parser) finalize() {
	rule := p.pending
	if rule == nil {
		return
	}
	p.pending = nil

	if rule.Symbol == "" {
		return
	}

	if rule.ReText != "" {
		re, err := p.cache.Compile(rule.ReText, rule.ReFlags)
		if err != nil {
			log.Printf("[WARN] rule %s dropped: %v", rule.Symbol, err)
			return
		}
		rule.Re = re
	}

	if rule.Type != TypeMeta && rule.Publish {
		// keep the visible symbol as a score-bearing meta, hide the matcher
		hidden := hiddenPrefix + rule.Symbol
		wrapper := &Rule{
			Symbol:      rule.Symbol,
			Type:        TypeMeta,
			MetaExpr:    hidden,
			Score:       rule.Score,
			Description: rule.Description,
		}
		rule.Symbol = hidden
		rule.Score = nil
		p.rs.insert(rule)
		p.rs.insert(wrapper)
		return
	}

	p.rs.insert(rule)
}

// splitRegex parses a /pattern/flags literal. The pattern may contain escaped
// slashes; flags are whatever follows the last slash.
func splitRegex(text string) (pattern, flags string, err error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", fmt.Errorf("regex %q must start with /", text)
	}
	last := strings.LastIndex(text[1:], "/")
	if last < 0 {
		return "", "", fmt.Errorf("regex %q has no closing /", text)
	}
	last++ // index in text
	pattern, flags = text[1:last], text[last+1:]
	if pattern == "" {
		return "", "", fmt.Errorf("empty regex")
	}
	for _, f := range flags {
		if f < 'a' || f > 'z' {
			return "", "", fmt.Errorf("bad regex flags %q", flags)
		}
	}
	return pattern, flags, nil
}
