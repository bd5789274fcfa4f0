package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sa-scan/sa-scan/lib/scorer"
)

func TestScanHistory_New(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewScanHistory(db)
	require.NoError(t, err)

	var exists int
	err = db.Get(&exists, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='scans'")
	require.NoError(t, err)
	assert.Equal(t, 1, exists)
}

func TestScanHistory_WriteRead(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	sh, err := NewScanHistory(db)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := ScanRecord{
			MessageID: fmt.Sprintf("msg-%d", i),
			Score:     float64(i) + 0.5,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Symbols: map[string]scorer.Symbol{
				"LOTTERY_SUBJ": {Name: "LOTTERY_SUBJ", Score: 1.5, Description: "lottery in subject"},
			},
		}
		require.NoError(t, sh.Write(rec))
	}

	recs, err := sh.Read(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "msg-2", recs[0].MessageID, "most recent first")
	assert.Equal(t, "msg-1", recs[1].MessageID)
	assert.InDelta(t, 2.5, recs[0].Score, 0.001)
	require.Contains(t, recs[0].Symbols, "LOTTERY_SUBJ")
	assert.InDelta(t, 1.5, recs[0].Symbols["LOTTERY_SUBJ"].Score, 0.001)
}

func TestScanHistory_ReadEmpty(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	sh, err := NewScanHistory(db)
	require.NoError(t, err)

	recs, err := sh.Read(10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
