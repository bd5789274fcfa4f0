package sarules

import (
	"regexp"
	"strings"
)

// markers used inside rule regex sources. The named pre/inter/post markers
// select fragment sets, a bare <NAME> marker is a tag reference.
var (
	preMarkerRe   = regexp.MustCompile(`<pre ([-\w]+)>`)
	interMarkerRe = regexp.MustCompile(`<inter ([-\w]+)>`)
	postMarkerRe  = regexp.MustCompile(`<post ([-\w]+)>`)
	tagMarkerRe   = regexp.MustCompile(`<([-\w]+)>`)
)

// CloseTags rewrites the tags map to a fixed point: after it returns no
// entry's value references another resolvable tag. Every tag is resolved at
// most once (memoized), references to a tag currently being resolved are left
// in place, which terminates self-cycles and makes the pass idempotent.
func (r *ReplacementSet) CloseTags() {
	resolved := map[string]bool{}
	inProgress := map[string]bool{}

	var resolve func(name string) string
	resolve = func(name string) string {
		if resolved[name] || inProgress[name] {
			return r.Tags[name]
		}
		inProgress[name] = true
		val := tagMarkerRe.ReplaceAllStringFunc(r.Tags[name], func(m string) string {
			inner := m[1 : len(m)-1]
			if inner == name || inProgress[inner] {
				return m // cycle, keep the marker as-is
			}
			if _, ok := r.Tags[inner]; !ok {
				return m // not a tag, e.g. a regex char class remnant
			}
			return resolve(inner)
		})
		delete(inProgress, name)
		r.Tags[name] = val
		resolved[name] = true
		return val
	}

	for name := range r.Tags {
		resolve(name)
	}
}

// Apply rewrites a rule's regex source: extracts at most one pre/inter/post
// marker each, splices the inter fragment between adjacent angle-bracket
// delimiters, and replaces every remaining tag marker with
// pre-fragment + tag-value + post-fragment. Call CloseTags first.
// Returns the rewritten text and whether anything changed.
func (r *ReplacementSet) Apply(src string) (string, bool) {
	orig := src
	pre, inter, post := "", "", ""
	interFound := false

	if m := preMarkerRe.FindStringSubmatch(src); m != nil {
		pre = r.Pre[m[1]]
		src = strings.Replace(src, m[0], "", 1)
	}
	if m := interMarkerRe.FindStringSubmatch(src); m != nil {
		inter = r.Inter[m[1]]
		interFound = true
		src = strings.Replace(src, m[0], "", 1)
	}
	if m := postMarkerRe.FindStringSubmatch(src); m != nil {
		post = r.Post[m[1]]
		src = strings.Replace(src, m[0], "", 1)
	}

	if interFound {
		src = strings.ReplaceAll(src, "><", ">"+inter+"<")
	}

	src = tagMarkerRe.ReplaceAllStringFunc(src, func(m string) string {
		val, ok := r.Tags[m[1:len(m)-1]]
		if !ok {
			return m
		}
		return pre + val + post
	})

	return src, src != orig
}
