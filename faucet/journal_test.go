package faucet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "faucet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, journal.Close()) })
	return journal
}

func TestJournalRecordLifecycle(t *testing.T) {
	journal := testJournal(t)

	_, err := journal.GetRecord("missing")
	require.ErrorIs(t, err, ErrNotFound)

	record := Record{
		JobID:       "job-1",
		Requester:   "alice",
		Destination: testDestination.Hex(),
		Amount:      "1000000000000000000",
		Status:      StatusPending,
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, journal.PutRecord(record))

	record.Status = StatusConfirmed
	record.TxHash = "0xabc"
	record.Nonce = 7
	record.Attempts = 2
	require.NoError(t, journal.PutRecord(record))

	stored, err := journal.GetRecord("job-1")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored.Status)
	require.Equal(t, "0xabc", stored.TxHash)
	require.Equal(t, uint64(7), stored.Nonce)
	require.Equal(t, 2, stored.Attempts)
}

func TestJournalRejectsEmptyJobID(t *testing.T) {
	journal := testJournal(t)
	require.Error(t, journal.PutRecord(Record{}))
	require.Error(t, journal.RecordGrant("", time.Now()))
}

func TestJournalGrantsKeepLatestPerRequester(t *testing.T) {
	journal := testJournal(t)
	first := time.Unix(1700000000, 0).UTC()
	later := first.Add(time.Hour)

	require.NoError(t, journal.RecordGrant("alice", first))
	require.NoError(t, journal.RecordGrant("alice", later))
	require.NoError(t, journal.RecordGrant("bob", first))

	grants, err := journal.Grants()
	require.NoError(t, err)
	require.Len(t, grants, 2)
	require.True(t, grants["alice"].Equal(later))
	require.True(t, grants["bob"].Equal(first))
}

func TestJournalNilReceiverIsSafe(t *testing.T) {
	var journal *Journal
	require.NoError(t, journal.PutRecord(Record{JobID: "job"}))
	require.NoError(t, journal.RecordGrant("alice", time.Now()))
	require.NoError(t, journal.Close())
	_, err := journal.GetRecord("job")
	require.ErrorIs(t, err, ErrNotFound)
	grants, err := journal.Grants()
	require.NoError(t, err)
	require.Empty(t, grants)
}
