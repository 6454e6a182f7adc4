package notify

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedDropsOldestWhenFull(t *testing.T) {
	var buf bytes.Buffer
	feed := NewFeed(2, log.New(&buf, "", 0))

	feed.Publish(Notification{Kind: KindTimeout, StrategyID: "pml", Message: "first"})
	feed.Publish(Notification{Kind: KindTimeout, StrategyID: "pml", Message: "second"})
	last := feed.Publish(Notification{Level: LevelError, Kind: KindBackendError, StrategyID: "pml", Message: "third"})

	require.Equal(t, uint64(3), last.Seq)
	require.False(t, last.At.IsZero())
	require.Equal(t, 2, feed.Len())

	recent := feed.Recent(0)
	require.Equal(t, "second", recent[0].Message)
	require.Equal(t, "third", recent[1].Message)
	require.Equal(t, LevelInfo, recent[0].Level)

	require.Len(t, feed.Recent(1), 1)
	require.Equal(t, "third", feed.Recent(1)[0].Message)
	require.Contains(t, buf.String(), "[error] pml backend_error: third")
}

func TestFeedSince(t *testing.T) {
	feed := NewFeed(0, log.New(&bytes.Buffer{}, "", 0))
	for i := 0; i < 5; i++ {
		feed.Publish(Notification{Message: "n"})
	}
	require.Len(t, feed.Since(3), 2)
	require.Empty(t, feed.Since(5))
}
