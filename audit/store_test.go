package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mvault/native/vault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Exec("DELETE FROM entries").Error)
	})
	return store
}

func sampleEvent(kind string, ts time.Time) vault.Event {
	return vault.Event{
		Type:      kind,
		Timestamp: ts,
		Attributes: map[string]string{
			"sender":    "0000000000000000000000000000000000000002",
			"token_in":  "0000000000000000000000000000000000000010",
			"amount_in": "100000000000000000000",
			"fee":       "2000000000000000000",
			"id":        "7",
		},
	}
}

func TestStoreRecordAndList(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(sampleEvent(vault.EventDepositInstant, base)))
	require.NoError(t, store.Record(sampleEvent(vault.EventDepositRequest, base.Add(time.Hour))))

	entries, err := store.List(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, vault.EventDepositInstant, entries[0].Kind)
	require.Equal(t, "100000000000000000000", entries[0].Amount)
	require.Equal(t, uint64(7), entries[0].RequestID)
	require.NotEmpty(t, entries[0].Reference)
	require.Contains(t, entries[0].Attributes, "amount_in")

	windowed, err := store.List(base.Add(30*time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	require.Equal(t, vault.EventDepositRequest, windowed[0].Kind)
}

func TestStoreExportCSV(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(sampleEvent(vault.EventRedeemInstant, base)))

	data, checksum, err := store.ExportCSV(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "reference,kind,actor,token,amount,fee,request_id,occurred_at", lines[0])
	require.Contains(t, lines[1], vault.EventRedeemInstant)
	require.Contains(t, lines[1], "100000000000000000000")
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	recorder := NewRecorder(nil, nil)
	// Must not panic even without a backing store.
	recorder.Emit(sampleEvent(vault.EventDepositInstant, time.Now()))

	store := openTestStore(t)
	recorder = NewRecorder(store, nil)
	recorder.Emit(sampleEvent(vault.EventDepositInstant, time.Now()))
	entries, err := store.List(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
