package logconfig

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

func readIncidents(t *testing.T, path string) []map[string]interface{} {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestIncidentLogDatedFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewIncidentLog(dir)
	require.NoError(t, err)
	defer l.Close()

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	l.now = func() time.Time { return day1 }
	l.Record(&agreement.Incident{
		Component: "ingest",
		Action:    "MintDeposit",
		Kind:      "deposit",
		Key:       "aa",
		TxHashes:  []string{"aa", "0xbb"},
		Err:       errors.New("boom"),
	})

	l.now = func() time.Time { return day2 }
	l.Record(&agreement.Incident{Component: "reconciler", Action: "mint", Key: "cc"})

	first := readIncidents(t, l.Path(day1))
	require.Len(t, first, 1)
	assert.Equal(t, "ingest", first[0]["component"])
	assert.Equal(t, "boom", first[0]["error"])
	assert.NotEmpty(t, first[0]["incident_id"])
	assert.Equal(t, []interface{}{"aa", "0xbb"}, first[0]["tx_hashes"])

	second := readIncidents(t, l.Path(day2))
	require.Len(t, second, 1)
	assert.Equal(t, "cc", second[0]["key"])
}
