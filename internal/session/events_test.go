package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditchat/internal/auditerr"
)

func TestEventLog(t *testing.T) {
	l := newEventLog(3, 1)

	e1, err := l.Append(Event{Type: EventStageProgress})
	require.NoError(t, err)
	e2, err := l.Append(Event{Type: EventStageResult})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, 2, l.Backlog())

	pending := l.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Seq)

	l.MarkDelivered(1)
	pending = l.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].Seq)

	// the cursor never moves backwards
	l.MarkDelivered(1)
	assert.Equal(t, 1, l.Backlog())

	_, err = l.Append(Event{Type: EventStageResult})
	require.NoError(t, err)
	_, err = l.Append(Event{Type: EventStageResult})
	require.NoError(t, err)
	_, err = l.Append(Event{Type: EventDone})
	assert.ErrorIs(t, err, auditerr.ErrQueueOverflow)

	l.MarkDelivered(4)
	assert.Zero(t, l.Backlog())
	assert.Empty(t, l.Pending())

	e5, err := l.Append(Event{Type: EventDone})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e5.Seq, "sequencing survives pruning")
}

func TestEventLogSeeded(t *testing.T) {
	l := newEventLog(0, 7)
	ev, err := l.Append(Event{Type: EventError})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.Seq)
}
