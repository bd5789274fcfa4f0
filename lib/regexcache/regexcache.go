// Package regexcache compiles rule patterns with a PCRE-compatible engine and
// keeps compiled matchers in an LRU cache. Rule files reuse the same patterns a
// lot, so the cache avoids recompiling on engine rebuilds.
package regexcache

import (
	"fmt"
	"log"
	"time"

	"github.com/dlclark/regexp2"
	cache "github.com/go-pkgz/expirable-cache/v3"
)

// Cache compiles and caches regular expressions. Safe for concurrent use.
type Cache struct {
	maxSize int // max pattern length in bytes, 0 - unlimited
	cache   cache.Cache[string, *regexp2.Regexp]
}

const defaultMaxKeys = 10000

// New makes a Cache with the given pattern size limit. A non-positive limit
// disables the size check.
func New(maxSize int) *Cache {
	return &Cache{
		maxSize: maxSize,
		cache:   cache.NewCache[string, *regexp2.Regexp]().WithMaxKeys(defaultMaxKeys),
	}
}

// Compile returns a compiled matcher for pattern with the given flags string.
// Flags: i (case-insensitive), m (multiline), s (dot matches newline),
// x (free-spacing). Unknown flags are ignored and logged.
func (c *Cache) Compile(pattern, flags string) (*regexp2.Regexp, error) {
	if c.maxSize > 0 && len(pattern) > c.maxSize {
		return nil, fmt.Errorf("pattern too large: %d > %d", len(pattern), c.maxSize)
	}

	key := flags + "\x00" + pattern
	if re, ok := c.cache.Get(key); ok {
		return re, nil
	}

	opts := regexp2.None
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'x':
			opts |= regexp2.IgnorePatternWhitespace
		default:
			log.Printf("[DEBUG] unknown regex flag %q in /%s/%s", f, pattern, flags)
		}
	}

	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("can't compile /%s/%s: %w", pattern, flags, err)
	}
	re.MatchTimeout = time.Second // pathological patterns should not stall a scan
	c.cache.Set(key, re, 0)
	return re, nil
}

// Match reports whether s contains a match. Match errors (e.g. timeout) are
// treated as no-match.
func Match(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	if err != nil {
		log.Printf("[DEBUG] regex match failed for %q: %v", re.String(), err)
		return false
	}
	return ok
}

// MatchCount returns the number of non-overlapping matches of re in s,
// capped at max if max is positive.
func MatchCount(re *regexp2.Regexp, s string, max int) int {
	count := 0
	m, err := re.FindStringMatch(s)
	for err == nil && m != nil {
		count++
		if max > 0 && count >= max {
			return max
		}
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		log.Printf("[DEBUG] regex count failed for %q: %v", re.String(), err)
	}
	return count
}
