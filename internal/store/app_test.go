package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAppStore(t *testing.T) *AppStore {
	t.Helper()
	s, err := NewInMemoryAppStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppStoreHistory(t *testing.T) {
	s := newTestAppStore(t)

	turn, err := s.AppendTurn("client_abc123", "user", "Revenue Audit", "check the receipts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), turn)

	turn, err = s.AppendTurn("client_abc123", "agent", "Revenue Audit", "## Audit Report AR202501151200")
	require.NoError(t, err)
	assert.Equal(t, int64(2), turn)

	_, err = s.AppendTurn("client_other", "user", "", "unrelated")
	require.NoError(t, err)

	t.Run("chronological per client", func(t *testing.T) {
		turns, err := s.History("client_abc123", 0)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "user", turns[0].Role)
		assert.Equal(t, "agent", turns[1].Role)
		assert.Equal(t, int64(1), turns[0].Turn)
		assert.False(t, turns[0].CreatedAt.IsZero())
	})

	t.Run("limit keeps most recent", func(t *testing.T) {
		turns, err := s.History("client_abc123", 1)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, int64(2), turns[0].Turn)
	})

	t.Run("unknown client is empty", func(t *testing.T) {
		turns, err := s.History("client_nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestAppStoreEventArchive(t *testing.T) {
	s := newTestAppStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.ArchiveEvent("client_abc123", uint64(i), "stage_result",
			fmt.Sprintf(`{"stage":"plan","seq":%d}`, i)))
	}

	t.Run("sequence order", func(t *testing.T) {
		events, err := s.RecentEvents("client_abc123", 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, e := range events {
			assert.Equal(t, uint64(i+1), e.Seq)
		}
	})

	t.Run("duplicate seq ignored", func(t *testing.T) {
		require.NoError(t, s.ArchiveEvent("client_abc123", 3, "stage_result", `{"replayed":true}`))
		events, err := s.RecentEvents("client_abc123", 0)
		require.NoError(t, err)
		assert.Len(t, events, 5)
	})

	t.Run("limit keeps tail", func(t *testing.T) {
		events, err := s.RecentEvents("client_abc123", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(4), events[0].Seq)
		assert.Equal(t, uint64(5), events[1].Seq)
	})
}
