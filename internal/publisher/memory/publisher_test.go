package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "progress.committed", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = p.Publish(context.Background(), "progress.committed", map[string]int{"n": 2})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "progress.committed", msgs[0].Topic)
	require.Equal(t, map[string]int{"n": 1}, msgs[0].Payload)
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "t", "a")
	require.NoError(t, err)

	msgs := p.Messages()
	msgs[0].Topic = "mutated"
	require.Equal(t, "t", p.Messages()[0].Topic)
}
