package sarules

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sa-scan/sa-scan/lib/mailmsg"
	"github.com/sa-scan/sa-scan/lib/regexcache"
)

func compileText(t *testing.T, rules string) *Engine {
	t.Helper()
	cache := regexcache.New(0)
	p := NewParser(cache)
	require.NoError(t, p.Parse(strings.NewReader(rules)))
	return Compile(p.Result(), cache, Config{})
}

func parseMsg(t *testing.T, raw string) *mailmsg.Email {
	t.Helper()
	m, err := mailmsg.Parse([]byte(raw), time.Now())
	require.NoError(t, err)
	return m
}

const baseMsg = "From: Bob <bob@gmail.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: win the lottery now\r\n" +
	"\r\n" +
	"free money free offer free stuff free deal free trial\r\n"

func TestScanHeaderRule(t *testing.T) {
	e := compileText(t, `
header LOTTERY_SUBJ Subject =~ /lottery/i
score LOTTERY_SUBJ 1.5
`)

	res := e.Scan(parseMsg(t, baseMsg))
	require.Contains(t, res.Symbols, "LOTTERY_SUBJ")
	assert.InDelta(t, 1.5, res.Symbols["LOTTERY_SUBJ"].Score, 0.001)

	res = e.Scan(parseMsg(t, "From: a@b.com\r\nTo: c@d.com\r\nSubject: hello\r\n\r\nx\r\n"))
	assert.NotContains(t, res.Symbols, "LOTTERY_SUBJ")
	assert.Equal(t, float64(0), res.Score)
}

func TestScanFreemailFrom(t *testing.T) {
	e := compileText(t, `
freemail_domains gmail.com
header FROM_FREEMAIL eval:check_freemail_from()
`)

	res := e.Scan(parseMsg(t, baseMsg))
	assert.Contains(t, res.Symbols, "FROM_FREEMAIL", "sender at gmail.com")

	other := "From: bob@example.com\r\nTo: a@b.com\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, other))
	assert.NotContains(t, res.Symbols, "FROM_FREEMAIL")
}

func TestScanFreemailReplyToAndHeader(t *testing.T) {
	e := compileText(t, `
freemail_domains gmail.com yahoo.com
header REPLYTO_FM eval:check_freemail_replyto()
header ENV_FM eval:check_freemail_header('X-Envelope-From', 'gmail')
`)

	msg := "From: corp@example.com\r\n" +
		"Reply-To: shady@yahoo.com\r\n" +
		"X-Envelope-From: bounce@gmail.com\r\n" +
		"To: a@b.com\r\n\r\nx\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "REPLYTO_FM")
	assert.Contains(t, res.Symbols, "ENV_FM")

	// secondary regex constrains the match
	msg2 := "From: corp@example.com\r\nX-Envelope-From: bounce@yahoo.com\r\nTo: a@b.com\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, msg2))
	assert.NotContains(t, res.Symbols, "ENV_FM", "freemail hit but regex arg doesn't match")
}

func TestScanFreemailMixedCase(t *testing.T) {
	e := compileText(t, `
freemail_domains gmail.com
header ENV_FM eval:check_freemail_header('X-Envelope-From')
header FROM_FM eval:check_freemail_from()
`)

	msg := "From: Bob <Bob@GMAIL.COM>\r\n" +
		"X-Envelope-From: Bounce@GMAIL.COM\r\n" +
		"To: a@b.com\r\n\r\nx\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "ENV_FM", "header value downcased before domain lookup")
	assert.Contains(t, res.Symbols, "FROM_FM")
}

func TestScanMissingTo(t *testing.T) {
	e := compileText(t, `header MISSING_TO eval:check_for_missing_to_header()`)

	res := e.Scan(parseMsg(t, "From: a@b.com\r\nSubject: hi\r\n\r\nx\r\n"))
	assert.Contains(t, res.Symbols, "MISSING_TO")

	res = e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "MISSING_TO")
}

func TestScanDateShift(t *testing.T) {
	e := compileText(t, `header DATE_SHIFT eval:check_for_shifted_date('-2', '3')`)

	received := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	msgAt := func(date time.Time) *mailmsg.Email {
		raw := fmt.Sprintf("From: a@b.com\r\nTo: c@d.com\r\nDate: %s\r\n\r\nx\r\n",
			date.Format(time.RFC1123Z))
		m, err := mailmsg.Parse([]byte(raw), received)
		require.NoError(t, err)
		return m
	}

	res := e.Scan(msgAt(received.Add(-time.Hour)))
	assert.Contains(t, res.Symbols, "DATE_SHIFT", "1 hour behind is inside [-2h,+3h)")

	res = e.Scan(msgAt(received.Add(-5 * time.Hour)))
	assert.NotContains(t, res.Symbols, "DATE_SHIFT", "5 hours behind is outside the window")

	res = e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "DATE_SHIFT", "no date header, no shift")
}

func TestScanMetaCombined(t *testing.T) {
	e := compileText(t, `
freemail_domains gmail.com
header FROM_FREEMAIL eval:check_freemail_from()
header MISSING_TO eval:check_for_missing_to_header()
meta COMBINED (FROM_FREEMAIL && !MISSING_TO)
`)

	require.True(t, e.HasSymbol("COMBINED"))
	require.True(t, e.HasAtom("FROM_FREEMAIL"))
	require.True(t, e.HasAtom("MISSING_TO"))

	res := e.Scan(parseMsg(t, baseMsg))
	assert.Contains(t, res.Symbols, "COMBINED", "freemail sender with recipients present")

	noTo := "From: bob@gmail.com\r\nSubject: hi\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, noTo))
	assert.NotContains(t, res.Symbols, "COMBINED", "missing recipients vetoes")
}

// countingMsg wraps a message and counts subject lookups to prove memoization.
type countingMsg struct {
	mailmsg.Message
	subjectCalls int
}

func (m *countingMsg) HeadersByName(name string, exact bool) []mailmsg.Header {
	if name == "Subject" {
		m.subjectCalls++
	}
	return m.Message.HeadersByName(name, exact)
}

func TestScanMemoization(t *testing.T) {
	e := compileText(t, `
header SUBJ_HIT Subject =~ /lottery/
meta M1 (SUBJ_HIT && SUBJ_HIT)
meta M2 (SUBJ_HIT || M1)
`)

	msg := &countingMsg{Message: parseMsg(t, baseMsg)}
	res := e.Scan(msg)
	assert.Contains(t, res.Symbols, "SUBJ_HIT")
	assert.Contains(t, res.Symbols, "M1")
	assert.Contains(t, res.Symbols, "M2")
	assert.Equal(t, 1, msg.subjectCalls, "atom computed exactly once per message")
}

func TestScanMultipleMaxhits(t *testing.T) {
	e := compileText(t, `
body FREE_COUNT /free/
tflags FREE_COUNT multiple maxhits=2
body FREE_ALL /free/
tflags FREE_ALL multiple
`)

	res := e.Scan(parseMsg(t, baseMsg)) // body has 5 occurrences of "free"
	require.Contains(t, res.Symbols, "FREE_COUNT")
	assert.InDelta(t, 2.0, res.Symbols["FREE_COUNT"].Score, 0.001, "capped at maxhits")
	require.Contains(t, res.Symbols, "FREE_ALL")
	assert.InDelta(t, 5.0, res.Symbols["FREE_ALL"].Score, 0.001, "unbounded count")
}

func TestScanNonNativeCharsetBody(t *testing.T) {
	e := compileText(t, `
body LATIN_WORD /special offer/
body UTF_WORD /café/
`)

	msg := "From: x@example.com\r\nTo: y@example.com\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"\r\n" +
		"caf\xe9 special offer\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "LATIN_WORD", "non-native part matched on original bytes")
	assert.NotContains(t, res.Symbols, "UTF_WORD", "utf-8 conversion not used for a non-native part")
}

func TestDroppedRuleNeverRegistered(t *testing.T) {
	e := compileText(t, `
header BROKEN Subject =~ /[unclosed/
meta BROKEN_META ((A &&
header OK Subject =~ /lottery/
`)

	assert.False(t, e.HasSymbol("BROKEN"))
	assert.False(t, e.HasAtom("BROKEN"))
	assert.False(t, e.HasSymbol("BROKEN_META"))
	assert.False(t, e.HasAtom("BROKEN_META"))
	assert.True(t, e.HasSymbol("OK"))

	res := e.Scan(parseMsg(t, baseMsg))
	assert.Contains(t, res.Symbols, "OK")
	assert.NotContains(t, res.Symbols, "BROKEN")
}

func TestCalculateScore(t *testing.T) {
	neg, pos := -2.0, 2.0
	tests := []struct {
		name     string
		symbol   string
		rule     *Rule
		expected float64
	}{
		{"plain rule", "SYM", &Rule{}, 1},
		{"nice rule", "SYM", &Rule{Nice: true}, -1},
		{"negative score", "SYM", &Rule{Score: &neg}, -1},
		{"positive score", "SYM", &Rule{Score: &pos}, 1},
		{"hidden symbol", "__SYM", &Rule{}, 0},
		{"hidden wins over nice", "__SYM", &Rule{Nice: true, Score: &neg}, 0},
		{"single underscore is not hidden", "_SYM", &Rule{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, calculateScore(tt.symbol, tt.rule))
		})
	}
}

func TestSoleMetaWrapping(t *testing.T) {
	e := compileText(t, `
header BIG_SCORE Subject =~ /lottery/
score BIG_SCORE 3.0
`)

	require.True(t, e.HasSymbol("BIG_SCORE"))
	res := e.Scan(parseMsg(t, baseMsg))
	require.Contains(t, res.Symbols, "BIG_SCORE")
	assert.InDelta(t, 3.0, res.Symbols["BIG_SCORE"].Score, 0.001)
}

func TestPublishWrap(t *testing.T) {
	e := compileText(t, `
header PUB_RULE Subject =~ /lottery/
tflags PUB_RULE publish
score PUB_RULE 2.0
`)

	res := e.Scan(parseMsg(t, baseMsg))
	require.Contains(t, res.Symbols, "PUB_RULE", "visible symbol fires via the wrapper")
	assert.InDelta(t, 2.0, res.Symbols["PUB_RULE"].Score, 0.001)
	assert.NotContains(t, res.Symbols, "__PUB_RULE", "hidden matcher stays private")
	assert.True(t, e.HasAtom("__PUB_RULE"))
	assert.False(t, e.HasSymbol("__PUB_RULE"))
}

func TestUnsetFallback(t *testing.T) {
	e := compileText(t, `header NO_MAILER X-Mailer =~ /^none$/ [if-unset: none]`)

	res := e.Scan(parseMsg(t, baseMsg))
	assert.Contains(t, res.Symbols, "NO_MAILER", "absent header matches via fallback value")

	withMailer := "From: a@b.com\r\nTo: c@d.com\r\nX-Mailer: Outlook\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, withMailer))
	assert.NotContains(t, res.Symbols, "NO_MAILER")
}

func TestNegatedHeader(t *testing.T) {
	e := compileText(t, `header NOT_BULK Precedence !~ /bulk/`)

	res := e.Scan(parseMsg(t, baseMsg))
	assert.Contains(t, res.Symbols, "NOT_BULK", "absent header satisfies a negated rule")

	bulk := "From: a@b.com\r\nTo: c@d.com\r\nPrecedence: bulk\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, bulk))
	assert.NotContains(t, res.Symbols, "NOT_BULK")

	list := "From: a@b.com\r\nTo: c@d.com\r\nPrecedence: list\r\n\r\nx\r\n"
	res = e.Scan(parseMsg(t, list))
	assert.Contains(t, res.Symbols, "NOT_BULK")
}

func TestURIRule(t *testing.T) {
	e := compileText(t, `uri SHORTENER /bit\.ly/`)

	msg := "From: a@b.com\r\nTo: c@d.com\r\n\r\npay me at http://bit.ly/xyz please\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "SHORTENER")

	res = e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "SHORTENER")
}

func TestAllHeadersRule(t *testing.T) {
	e := compileText(t, `header RELAYED ALL:raw =~ /^X-Relay-Host:/m`)

	msg := "From: a@b.com\r\nTo: c@d.com\r\nX-Relay-Host: mx.example.net\r\n\r\nx\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "RELAYED")

	res = e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "RELAYED")
}

func TestExistsRule(t *testing.T) {
	e := compileText(t, `header HAS_UNSUB exists:List-Unsubscribe`)

	msg := "From: a@b.com\r\nTo: c@d.com\r\nList-Unsubscribe: <mailto:u@x.com>\r\n\r\nx\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "HAS_UNSUB")

	res = e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "HAS_UNSUB")
}

func TestReplaceRulesEndToEnd(t *testing.T) {
	e := compileText(t, `
replace_tag V [vV]
replace_tag A [a4]
body OBFU_PILL /<V>iagr<A>/
replace_rules OBFU_PILL
body KEEP_BROKEN /literal <V> stays(/
`)

	msg := "From: a@b.com\r\nTo: c@d.com\r\n\r\nbuy v1agra here, or V iagr... actually viagr4\r\n"
	res := e.Scan(parseMsg(t, msg))
	assert.Contains(t, res.Symbols, "OBFU_PILL", "substituted regex matches obfuscated text")
}

func TestExternalDependency(t *testing.T) {
	e := compileText(t, `
header KNOWN Subject =~ /lottery/
meta NEEDS_FOREIGN (KNOWN && FOREIGN_SYM)
meta WITH_FALLBACK (KNOWN || FOREIGN_SYM)
`)

	res := e.Scan(parseMsg(t, baseMsg))
	assert.NotContains(t, res.Symbols, "NEEDS_FOREIGN", "unknown foreign atom is a no-match")
	assert.Contains(t, res.Symbols, "WITH_FALLBACK")
}

func TestScanEmptyRuleSet(t *testing.T) {
	e := compileText(t, "# nothing here\n")
	res := e.Scan(parseMsg(t, baseMsg))
	assert.Equal(t, float64(0), res.Score)
	assert.Empty(t, res.Symbols)
}
