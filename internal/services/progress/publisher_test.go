package progress

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facefinder/internal/domain"
)

func collect(t *testing.T, ch <-chan Message, timeout time.Duration) []Message {
	t.Helper()
	var msgs []Message
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-deadline:
			t.Fatalf("stream did not close within %s", timeout)
		}
	}
}

func TestPublisherPrefersSnapshotWhileRunning(t *testing.T) {
	cache := newMemCache()
	scans := newMemScans(domain.Scan{ID: "s1", Status: domain.ScanProcessing, Counters: domain.Counters{Total: 100}})
	require.NoError(t, cache.SaveSnapshot(context.Background(), domain.ProgressSnapshot{
		ScanID: "s1", Status: domain.ScanProcessing,
		Counters:     domain.Counters{Total: 100, Scanned: 40},
		CurrentBatch: 1, TotalBatches: 1,
	}, time.Hour))

	p := NewPublisher(cache, scans, 10*time.Millisecond, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Subscribe(ctx, "s1")

	first := <-ch
	assert.Equal(t, MessageProgress, first.Type)
	assert.Equal(t, 40, first.Scanned)
	assert.Equal(t, 1, first.CurrentBatch)

	cancel()
	for range ch {
	}
}

func TestPublisherFallsBackToDurableRecord(t *testing.T) {
	scans := newMemScans(domain.Scan{ID: "s1", Status: domain.ScanProcessing, Counters: domain.Counters{Total: 7, Scanned: 3}})
	p := NewPublisher(newMemCache(), scans, 10*time.Millisecond, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := <-p.Subscribe(ctx, "s1")
	assert.Equal(t, MessageProgress, msg.Type)
	assert.Equal(t, 7, msg.Total)
	assert.Equal(t, 3, msg.Scanned)
}

func TestPublisherEmitsOneTerminalMessageOnFailure(t *testing.T) {
	cache := newMemCache()
	scans := newMemScans(domain.Scan{ID: "s1", Status: domain.ScanProcessing})
	p := NewPublisher(cache, scans, 10*time.Millisecond, logrus.New())

	ch := p.Subscribe(context.Background(), "s1")
	time.Sleep(30 * time.Millisecond)
	reason := "enumeration failed"
	scans.set(domain.Scan{ID: "s1", Status: domain.ScanFailed, Error: &reason, Counters: domain.Counters{Total: 0}})

	msgs := collect(t, ch, time.Second)
	require.NotEmpty(t, msgs)
	terminal := 0
	for _, m := range msgs {
		if m.Type == MessageTerminal {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	last := msgs[len(msgs)-1]
	assert.Equal(t, MessageTerminal, last.Type)
	assert.Equal(t, domain.ScanFailed, last.Status)
	assert.Equal(t, "enumeration failed", last.Error)
}

func TestPublisherSubscribersAreIndependent(t *testing.T) {
	done := domain.Scan{ID: "s1", Status: domain.ScanCompleted, Counters: domain.Counters{Total: 3, Scanned: 3, Matched: 1, Uploaded: 1}}
	scans := newMemScans(done)
	p := NewPublisher(newMemCache(), scans, 10*time.Millisecond, logrus.New())

	ctxA, cancelA := context.WithCancel(context.Background())
	cancelA()
	a := p.Subscribe(ctxA, "s1")
	b := p.Subscribe(context.Background(), "s1")

	for range a {
	}
	msgs := collect(t, b, time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTerminal, msgs[0].Type)
	assert.Equal(t, 1, msgs[0].Uploaded)

	s, err := scans.GetScan(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, done.Status, s.Status)
}

func TestPublisherClosesOnUnknownScan(t *testing.T) {
	p := NewPublisher(newMemCache(), newMemScans(), 10*time.Millisecond, logrus.New())
	assert.Empty(t, collect(t, p.Subscribe(context.Background(), "missing"), time.Second))
}

func TestPublisherLateSubscriberToFailedScan(t *testing.T) {
	cache := newMemCache()
	reason := "blob store unreachable"
	scans := newMemScans(domain.Scan{ID: "s1", Status: domain.ScanFailed, Error: &reason,
		Counters: domain.Counters{Total: 40, Scanned: 12, Matched: 2}})
	// The cache still holds a snapshot from before the failure.
	require.NoError(t, cache.SaveSnapshot(context.Background(), domain.ProgressSnapshot{
		ScanID: "s1", Status: domain.ScanProcessing, Counters: domain.Counters{Total: 40, Scanned: 10},
	}, time.Hour))
	p := NewPublisher(cache, scans, 10*time.Millisecond, logrus.New())

	msgs := collect(t, p.Subscribe(context.Background(), "s1"), time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTerminal, msgs[0].Type)
	assert.Equal(t, domain.ScanFailed, msgs[0].Status)
	assert.Equal(t, reason, msgs[0].Error)
	assert.Equal(t, 12, msgs[0].Scanned)
}
