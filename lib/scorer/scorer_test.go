package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sa-scan/sa-scan/lib/mailmsg"
)

func testMsg(t *testing.T) mailmsg.Message {
	t.Helper()
	raw := "From: a@example.com\r\nTo: b@example.com\r\nMessage-Id: <id-1@example.com>\r\n\r\nbody\r\n"
	m, err := mailmsg.Parse([]byte(raw), time.Now())
	require.NoError(t, err)
	return m
}

func TestScan(t *testing.T) {
	r := NewRegistry()
	r.Register("HIT", 1.0, func(ctx *Context) int { return 1 })
	r.SetMetric("HIT", 2.5, "always fires")
	r.Register("MISS", 1.0, func(ctx *Context) int { return 0 })
	r.Register("COUNTED", 0.5, func(ctx *Context) int { return 3 })

	res := r.Scan(testMsg(t))
	assert.InDelta(t, 4.0, res.Score, 0.001) // 2.5 + 0.5*3
	require.Contains(t, res.Symbols, "HIT")
	assert.Equal(t, 2.5, res.Symbols["HIT"].Score)
	assert.Equal(t, "always fires", res.Symbols["HIT"].Description)
	assert.NotContains(t, res.Symbols, "MISS")
	assert.InDelta(t, 1.5, res.Symbols["COUNTED"].Score, 0.001)
	assert.Equal(t, "id-1@example.com", res.MessageID)
}

func TestScanZeroWeightHidden(t *testing.T) {
	r := NewRegistry()
	evaluated := false
	r.Register("__HIDDEN", 0, func(ctx *Context) int { evaluated = true; return 1 })

	res := r.Scan(testMsg(t))
	assert.True(t, evaluated)
	assert.Empty(t, res.Symbols, "zero-score symbols don't show up")
	assert.Equal(t, float64(0), res.Score)
}

func TestDependencyOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	// registered dependent-first on purpose
	r.Register("DEPENDENT", 1.0, func(ctx *Context) int {
		order = append(order, "DEPENDENT")
		if ctx.Fired("BASE") {
			return 1
		}
		return 0
	})
	r.Register("BASE", 1.0, func(ctx *Context) int { order = append(order, "BASE"); return 1 })
	r.AddDependency("DEPENDENT", "BASE")

	res := r.Scan(testMsg(t))
	assert.Equal(t, []string{"BASE", "DEPENDENT"}, order)
	assert.Contains(t, res.Symbols, "DEPENDENT")
	assert.InDelta(t, 2.0, res.Score, 0.001)
}

func TestDependencyOnUnknownSymbol(t *testing.T) {
	r := NewRegistry()
	r.Register("SYM", 1.0, func(ctx *Context) int { return 1 })
	r.AddDependency("SYM", "NEVER_REGISTERED")

	res := r.Scan(testMsg(t))
	assert.Contains(t, res.Symbols, "SYM", "unknown dependency ignored")
}

func TestContextMemoization(t *testing.T) {
	ctx := NewContext(testMsg(t))

	_, ok := ctx.Cached("X")
	assert.False(t, ok)
	assert.False(t, ctx.Fired("X"))

	ctx.SetCached("X", 2)
	v, ok := ctx.Cached("X")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.True(t, ctx.Fired("X"))

	ctx.SetCached("Y", 0)
	assert.False(t, ctx.Fired("Y"), "cached zero is not fired")
}

func TestSymbols(t *testing.T) {
	r := NewRegistry()
	r.Register("A", 1.0, func(ctx *Context) int { return 0 })
	r.SetMetric("A", 3.0, "rule a")
	r.Register("B", -1.0, func(ctx *Context) int { return 0 })

	infos := r.Symbols()
	require.Len(t, infos, 2)
	assert.Equal(t, SymbolInfo{Name: "A", Score: 3.0, Description: "rule a"}, infos[0])
	assert.Equal(t, SymbolInfo{Name: "B", Score: -1.0}, infos[1])
}
