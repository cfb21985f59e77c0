package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mattnigh/PyFluff/protocol"
)

// Bus is the slice of the session layer the controller needs: typed
// command publishing and notification subscriptions on logical channels.
type Bus interface {
	Issue(cmd protocol.Command) error
	Publish(ch protocol.Channel, data []byte) error
	Subscribe(ch protocol.Channel, handler func(protocol.Event)) func()
}

const (
	defaultChunkDelay    = 5 * time.Millisecond
	defaultOverloadDelay = 100 * time.Millisecond
	defaultAckWindow     = 10 * time.Second
	defaultReadyTimeout  = 10 * time.Second
)

// Options tune one upload job. Zero values pick the defaults.
type Options struct {
	// WithAcks enables per-chunk acknowledgement tracking. When false the
	// transfer is fire-and-forget and completion is predicted, not
	// confirmed.
	WithAcks bool
	// ChunkDelay is the pause between consecutive chunk writes.
	ChunkDelay time.Duration
	// OverloadDelay replaces ChunkDelay for the write following an
	// overload notification.
	OverloadDelay time.Duration
	// AckWindow is the liveness deadline: with acks enabled, if no
	// acknowledgement arrives for this long while chunks are outstanding,
	// the job stalls.
	AckWindow time.Duration
	// ReadyTimeout bounds the wait for the device's ready-to-receive
	// report after the announce; no report aborts the job.
	ReadyTimeout time.Duration
	// Filename is the announced DLC name, at most 12 ASCII bytes. Empty
	// picks the protocol default.
	Filename string
	// OnProgress, if set, is invoked after every chunk write.
	OnProgress func(Progress)
	// OnDone, if set, is invoked once when the transfer phase ends.
	OnDone func(*Job)
}

func (o Options) withDefaults() Options {
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = defaultChunkDelay
	}
	if o.OverloadDelay <= 0 {
		o.OverloadDelay = defaultOverloadDelay
	}
	if o.AckWindow <= 0 {
		o.AckWindow = defaultAckWindow
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	return o
}

// Controller owns the bulk channel: at most one job transfers at a time.
// Slot lifecycle commands (load, activate, deactivate, delete) go through
// it as well so the job's state can track them.
type Controller struct {
	bus Bus
	log zerolog.Logger

	mu     sync.Mutex
	active *Job
}

// NewController returns a controller publishing through bus.
func NewController(bus Bus, log zerolog.Logger) *Controller {
	return &Controller{
		bus: bus,
		log: log.With().Str("component", "upload").Logger(),
	}
}

// Active returns the most recent job, or nil.
func (c *Controller) Active() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start validates content, announces the upload and begins streaming
// chunks in the background. It returns the job immediately; watch
// Job.Done for completion.
func (c *Controller) Start(ctx context.Context, slot int, content []byte, opts Options) (*Job, error) {
	if len(content) == 0 {
		return nil, errors.New("upload: empty content")
	}
	if len(content) > protocol.MaxUploadSize {
		return nil, fmt.Errorf("upload: content %d bytes exceeds maximum %d", len(content), protocol.MaxUploadSize)
	}
	opts = opts.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		select {
		case <-c.active.Done():
		default:
			return nil, fmt.Errorf("upload: job %s still transferring to slot %d", c.active.ID, c.active.Slot)
		}
	}

	job := newJob(slot, len(content))
	ctx, cancel := context.WithCancel(ctx)
	job.cancel = cancel

	// Listeners attach before the announce so the device's
	// ready-to-receive report cannot slip past them.
	unsubControl := c.bus.Subscribe(protocol.ChannelControl, func(ev protocol.Event) {
		switch ev.Type {
		case protocol.EventPacketAck:
			job.observeAck(ev.AckCount)
		case protocol.EventOverload:
			c.log.Warn().Str("job", job.ID.String()).Msg("device overloaded, throttling next chunk")
			job.observeOverload()
		}
	})
	unsubCommand := c.bus.Subscribe(protocol.ChannelCommand, func(ev protocol.Event) {
		switch ev.Type {
		case protocol.EventTransferStatus:
			job.observeTransferStatus(ev.Mode)
		case protocol.EventSlotInfo:
			if int(ev.Slot) == job.Slot {
				job.observeSlotState(ev.State)
			}
		}
	})

	cleanup := func() {
		unsubControl()
		unsubCommand()
		cancel()
	}
	if opts.WithAcks {
		if err := c.bus.Issue(protocol.SetPacketAck{Enabled: true}); err != nil {
			cleanup()
			return nil, fmt.Errorf("upload: enable acks: %w", err)
		}
	}
	if err := c.bus.Issue(protocol.AnnounceUpload{Slot: slot, Size: len(content), Filename: opts.Filename}); err != nil {
		cleanup()
		return nil, fmt.Errorf("upload: announce: %w", err)
	}

	c.active = job
	c.log.Info().
		Str("job", job.ID.String()).
		Int("slot", slot).
		Int("bytes", len(content)).
		Int("chunks", job.TotalChunks).
		Bool("acks", opts.WithAcks).
		Msg("upload started")

	go func() {
		defer unsubControl()
		defer unsubCommand()
		defer cancel()
		c.stream(ctx, job, content, opts)
	}()
	return job, nil
}

// stream is the producer: it writes chunks on the bulk channel, pacing
// off ack observations, and drives the job to its transfer-phase outcome.
func (c *Controller) stream(ctx context.Context, job *Job, content []byte, opts Options) {
	defer close(job.done)
	defer func() {
		if opts.OnDone != nil {
			opts.OnDone(job)
		}
	}()

	// The device signals ready-to-receive after the announce; streaming
	// before that loses chunks.
	select {
	case <-job.ready:
	case <-time.After(opts.ReadyTimeout):
		c.abortJob(job, fmt.Errorf("no ready report within %s of announce", opts.ReadyTimeout))
		return
	case <-ctx.Done():
		c.abortJob(job, ErrCancelled)
		return
	}

	job.advance(StateTransferring)
	deadline := time.Now().Add(opts.AckWindow)

	for _, chunk := range Chunks(content) {
		if err := ctx.Err(); err != nil {
			c.abortJob(job, ErrCancelled)
			return
		}
		if err := job.transferErr(); err != nil {
			c.abortJob(job, err)
			return
		}
		if opts.WithAcks {
			acked, sent, lastAck, _ := job.ackSnapshot()
			if !lastAck.IsZero() {
				deadline = lastAck.Add(opts.AckWindow)
			}
			if sent > acked && time.Now().After(deadline) {
				c.stallJob(job, sent-acked, opts.AckWindow)
				return
			}
		}
		if err := c.bus.Publish(protocol.ChannelBulk, chunk); err != nil {
			c.abortJob(job, fmt.Errorf("write chunk: %w", err))
			return
		}
		job.recordChunk(len(chunk))
		if opts.OnProgress != nil {
			opts.OnProgress(job.Progress())
		}

		delay := opts.ChunkDelay
		if job.takeOverload() {
			delay = opts.OverloadDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.abortJob(job, ErrCancelled)
			return
		}
	}

	if !opts.WithAcks {
		// No confirmation stream to wait on; the device report, if one
		// arrives later, overrides this prediction.
		job.advance(StateDownloaded)
		c.log.Info().Str("job", job.ID.String()).Msg("upload finished (unconfirmed)")
		return
	}

	// Drain: all chunks written, wait for the trailing acks.
	for {
		if err := job.transferErr(); err != nil {
			c.abortJob(job, err)
			return
		}
		acked, sent, lastAck, confirmed := job.ackSnapshot()
		if confirmed || acked >= sent {
			job.advance(StateDownloaded)
			c.log.Info().Str("job", job.ID.String()).Int("chunks", sent).Msg("upload complete")
			return
		}
		if !lastAck.IsZero() {
			deadline = lastAck.Add(opts.AckWindow)
		}
		if time.Now().After(deadline) {
			c.stallJob(job, sent-acked, opts.AckWindow)
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			c.abortJob(job, ErrCancelled)
			return
		}
	}
}

func (c *Controller) stallJob(job *Job, unacked int, window time.Duration) {
	err := &StalledError{Slot: job.Slot, Unacked: unacked, Window: window}
	if job.failWith(StateStalled, err) {
		c.log.Error().Str("job", job.ID.String()).Err(err).Msg("upload stalled")
	}
}

func (c *Controller) abortJob(job *Job, err error) {
	if job.failWith(StateAborted, err) {
		c.log.Warn().Str("job", job.ID.String()).Err(err).Msg("upload aborted")
	}
}

// Cancel stops the active job's chunk writes. The session stays up.
func (c *Controller) Cancel() {
	c.mu.Lock()
	job := c.active
	c.mu.Unlock()
	if job == nil {
		return
	}
	select {
	case <-job.Done():
	default:
		job.cancel()
	}
}

// AbortAll force-fails the active job. Wired to session failure hooks so
// a dropped link immediately terminates the transfer.
func (c *Controller) AbortAll(cause error) {
	c.mu.Lock()
	job := c.active
	c.mu.Unlock()
	if job == nil {
		return
	}
	select {
	case <-job.Done():
	default:
		c.abortJob(job, fmt.Errorf("session lost: %w", cause))
		job.cancel()
	}
}

// Load asks the device to load the slot's content into memory.
func (c *Controller) Load(slot int) error {
	if err := c.bus.Issue(protocol.LoadSlot{Slot: slot}); err != nil {
		return err
	}
	c.trackSlot(slot, StateLoaded)
	return nil
}

// Activate enables the currently loaded content for playback.
func (c *Controller) Activate() error {
	if err := c.bus.Issue(protocol.ActivateSlot{}); err != nil {
		return err
	}
	c.mu.Lock()
	job := c.active
	c.mu.Unlock()
	if job != nil {
		select {
		case <-job.Done():
			job.advance(StateActive)
		default:
		}
	}
	return nil
}

// Deactivate disables the slot's content without deleting it.
func (c *Controller) Deactivate(slot int) error {
	return c.bus.Issue(protocol.DeactivateSlot{Slot: slot})
}

// Delete erases the slot's content from device storage.
func (c *Controller) Delete(slot int) error {
	return c.bus.Issue(protocol.DeleteSlot{Slot: slot})
}

// Query requests the device's slot state report.
func (c *Controller) Query(slot int) error {
	return c.bus.Issue(protocol.QuerySlot{Slot: slot})
}

// trackSlot advances the completed job's state when a lifecycle command
// targets its slot.
func (c *Controller) trackSlot(slot int, s JobState) {
	c.mu.Lock()
	job := c.active
	c.mu.Unlock()
	if job == nil || job.Slot != slot {
		return
	}
	select {
	case <-job.Done():
		job.advance(s)
	default:
	}
}
