package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattnigh/PyFluff/protocol"
)

// fakeBus records issued commands and published chunks, and lets tests
// inject notification events into subscribed handlers.
type fakeBus struct {
	mu        sync.Mutex
	commands  []protocol.Command
	chunks    [][]byte
	chunkTime []time.Time
	subs      map[protocol.Channel][]func(protocol.Event)
	onChunk   func(n int) // called after each bulk publish, without the lock
	holdReady bool        // suppress the automatic ready report after an announce
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[protocol.Channel][]func(protocol.Event))}
}

func (b *fakeBus) Issue(cmd protocol.Command) error {
	if _, err := cmd.Encode(); err != nil {
		return err
	}
	b.mu.Lock()
	b.commands = append(b.commands, cmd)
	hold := b.holdReady
	b.mu.Unlock()
	// A real device answers the announce with ready-to-receive.
	if _, ok := cmd.(protocol.AnnounceUpload); ok && !hold {
		b.emit(protocol.ChannelCommand, protocol.Event{Type: protocol.EventTransferStatus, Mode: protocol.TransferReady})
	}
	return nil
}

func (b *fakeBus) Publish(ch protocol.Channel, data []byte) error {
	if ch != protocol.ChannelBulk {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.mu.Lock()
	b.chunks = append(b.chunks, buf)
	b.chunkTime = append(b.chunkTime, time.Now())
	n := len(b.chunks)
	hook := b.onChunk
	b.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (b *fakeBus) Subscribe(ch protocol.Channel, handler func(protocol.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = append(b.subs[ch], handler)
	return func() {}
}

func (b *fakeBus) emit(ch protocol.Channel, ev protocol.Event) {
	b.mu.Lock()
	handlers := append([]func(protocol.Event){}, b.subs[ch]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (b *fakeBus) chunkSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.chunks))
	for i, c := range b.chunks {
		out[i] = len(c)
	}
	return out
}

func (b *fakeBus) issued() []protocol.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Command{}, b.commands...)
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not finish, state %s", job.State())
	}
}

func TestChunksSplitsOnFixedBoundaries(t *testing.T) {
	content := make([]byte, 47)
	chunks := Chunks(content)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Len(t, chunks[2], 7)

	assert.Len(t, Chunks(make([]byte, 40)), 2)
	assert.Len(t, Chunks(make([]byte, 1)), 1)
}

func TestUploadCompletesWhenAllChunksAcked(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(int) {
		bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventPacketAck, AckCount: 1})
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 2, make([]byte, 47), Options{WithAcks: true, ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, StateDownloaded, job.State())
	assert.NoError(t, job.Err())
	assert.Equal(t, []int{20, 20, 7}, bus.chunkSizes())

	p := job.Progress()
	assert.Equal(t, 47, p.BytesSent)
	assert.Equal(t, 3, p.ChunksSent)
	assert.Equal(t, 3, p.ChunksAcked)
}

func TestUploadAnnouncesBeforeStreaming(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(int) {
		bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventPacketAck, AckCount: 1})
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 1, make([]byte, 30), Options{WithAcks: true, ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	waitDone(t, job)

	cmds := bus.issued()
	require.Len(t, cmds, 2)
	assert.Equal(t, protocol.SetPacketAck{Enabled: true}, cmds[0])
	assert.Equal(t, protocol.AnnounceUpload{Slot: 1, Size: 30}, cmds[1])
}

func TestUploadAbortsWhenDeviceNeverReady(t *testing.T) {
	bus := newFakeBus()
	bus.holdReady = true
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 2, make([]byte, 47), Options{
		ChunkDelay:   time.Millisecond,
		ReadyTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, StateAborted, job.State())
	assert.ErrorContains(t, job.Err(), "ready")
	assert.Empty(t, bus.chunkSizes())
}

func TestDeviceReportedErrorAbortsTransfer(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(n int) {
		if n == 2 {
			bus.emit(protocol.ChannelCommand, protocol.Event{Type: protocol.EventTransferStatus, Mode: protocol.TransferReceivedError})
		}
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 20*100), Options{ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, StateAborted, job.State())
	assert.ErrorContains(t, job.Err(), "rejected")
	assert.Less(t, job.Progress().ChunksSent, 100)
}

func TestUploadStallsWithoutAcks(t *testing.T) {
	bus := newFakeBus()
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 47), Options{
		WithAcks:   true,
		ChunkDelay: time.Millisecond,
		AckWindow:  80 * time.Millisecond,
	})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, StateStalled, job.State())
	var se *StalledError
	require.ErrorAs(t, job.Err(), &se)
	assert.Equal(t, 3, se.Unacked)
}

func TestUploadWithoutAcksCompletesUnconfirmed(t *testing.T) {
	bus := newFakeBus()
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 25), Options{ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, StateDownloaded, job.State())
	// No ack command should have been issued.
	for _, cmd := range bus.issued() {
		_, isAck := cmd.(protocol.SetPacketAck)
		assert.False(t, isAck)
	}
}

func TestOverloadThrottlesNextChunk(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(n int) {
		if n == 1 {
			bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventOverload})
		}
		bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventPacketAck, AckCount: 1})
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 60), Options{
		WithAcks:      true,
		ChunkDelay:    time.Millisecond,
		OverloadDelay: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	waitDone(t, job)
	require.Equal(t, StateDownloaded, job.State())

	bus.mu.Lock()
	times := append([]time.Time{}, bus.chunkTime...)
	bus.mu.Unlock()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 100*time.Millisecond)
	assert.Less(t, times[2].Sub(times[1]), 100*time.Millisecond)
}

func TestCancelAbortsWithoutFinishing(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(int) {
		bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventPacketAck, AckCount: 1})
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 20*100), Options{
		WithAcks:   true,
		ChunkDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	c.Cancel()
	waitDone(t, job)

	assert.Equal(t, StateAborted, job.State())
	assert.ErrorIs(t, job.Err(), ErrCancelled)
	assert.Less(t, job.Progress().ChunksSent, 100)
}

func TestSecondUploadRejectedWhileTransferring(t *testing.T) {
	bus := newFakeBus()
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 20*50), Options{ChunkDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer func() {
		c.Cancel()
		waitDone(t, job)
	}()

	_, err = c.Start(context.Background(), 1, make([]byte, 20), Options{})
	assert.ErrorContains(t, err, "still transferring")
}

func TestSlotLifecycleAdvancesCompletedJob(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(int) {
		bus.emit(protocol.ChannelControl, protocol.Event{Type: protocol.EventPacketAck, AckCount: 1})
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 3, make([]byte, 20), Options{WithAcks: true, ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	waitDone(t, job)
	require.Equal(t, StateDownloaded, job.State())

	require.NoError(t, c.Load(3))
	assert.Equal(t, StateLoaded, job.State())
	require.NoError(t, c.Activate())
	assert.Equal(t, StateActive, job.State())
}

func TestStalledJobStateIsSticky(t *testing.T) {
	bus := newFakeBus()
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 1, make([]byte, 47), Options{
		WithAcks:   true,
		ChunkDelay: time.Millisecond,
		AckWindow:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	waitDone(t, job)
	require.Equal(t, StateStalled, job.State())

	require.NoError(t, c.Load(1))
	assert.Equal(t, StateStalled, job.State())
}

func TestSessionFailureAbortsActiveJob(t *testing.T) {
	bus := newFakeBus()
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 20*100), Options{ChunkDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.AbortAll(errors.New("keepalive: link dropped"))
	waitDone(t, job)

	assert.Equal(t, StateAborted, job.State())
	assert.ErrorContains(t, job.Err(), "session lost")
}

func TestDeviceConfirmationCompletesEarly(t *testing.T) {
	bus := newFakeBus()
	bus.onChunk = func(n int) {
		if n == 3 {
			// Device reports full receipt even though individual acks lag.
			bus.emit(protocol.ChannelCommand, protocol.Event{Type: protocol.EventTransferStatus, Mode: protocol.TransferReceivedOK})
		}
	}
	c := NewController(bus, zerolog.Nop())

	job, err := c.Start(context.Background(), 0, make([]byte, 47), Options{
		WithAcks:   true,
		ChunkDelay: time.Millisecond,
		AckWindow:  5 * time.Second,
	})
	require.NoError(t, err)
	waitDone(t, job)
	assert.Equal(t, StateDownloaded, job.State())
}

func TestUploadRejectsEmptyAndOversized(t *testing.T) {
	c := NewController(newFakeBus(), zerolog.Nop())

	_, err := c.Start(context.Background(), 0, nil, Options{})
	assert.Error(t, err)

	_, err = c.Start(context.Background(), 0, make([]byte, protocol.MaxUploadSize+1), Options{})
	assert.Error(t, err)
}
