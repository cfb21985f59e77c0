// Package upload drives chunked DLC transfers into device storage slots:
// a chunk-writing producer paced by asynchronous acknowledgements, with
// liveness tracking and overload backpressure.
package upload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattnigh/PyFluff/protocol"
)

// JobState is the local lifecycle of an upload job. Absent failure, jobs
// only move forward; Stalled and Aborted are terminal and permanently
// halt chunk emission.
type JobState int

const (
	StateAnnounced JobState = iota
	StateTransferring
	StateDownloaded
	StateLoaded
	StateActive
	StateStalled
	StateAborted
)

func (s JobState) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateTransferring:
		return "transferring"
	case StateDownloaded:
		return "downloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrCancelled is the job error after an explicit cancel.
var ErrCancelled = errors.New("upload cancelled")

// StalledError reports an exceeded liveness window mid-upload. Only the
// job is dead; the session remains valid.
type StalledError struct {
	Slot    int
	Unacked int
	Window  time.Duration
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("upload to slot %d stalled: %d chunk(s) unacknowledged for %s", e.Slot, e.Unacked, e.Window)
}

// Progress is a snapshot of a job's transfer counters.
type Progress struct {
	BytesSent   int       `json:"bytes_sent"`
	TotalBytes  int       `json:"total_bytes"`
	ChunksSent  int       `json:"chunks_sent"`
	ChunksAcked int       `json:"chunks_acked"`
	TotalChunks int       `json:"total_chunks"`
	State       string    `json:"state"`
	LastAck     time.Time `json:"last_ack,omitempty"`
}

// Job is one transfer operation bound to a storage slot. The writer
// goroutine is the only mutator of transfer state; listeners record
// observations (acks, overloads, device slot reports) that the writer
// reads between chunks.
type Job struct {
	ID          uuid.UUID
	Slot        int
	TotalBytes  int
	TotalChunks int

	mu          sync.Mutex
	state       JobState
	err         error
	bytesSent   int
	chunksSent  int
	chunksAcked int
	lastAck     time.Time
	overload    bool
	confirmed   bool               // device reported received-ok
	deviceErr   error              // device reported transfer failure
	slotState   protocol.SlotState // device-reported, authoritative

	readyOnce sync.Once
	ready     chan struct{} // closed when the device reports ready-to-receive

	cancel func()
	done   chan struct{}
}

func newJob(slot, total int) *Job {
	return &Job{
		ID:          uuid.New(),
		Slot:        slot,
		TotalBytes:  total,
		TotalChunks: (total + protocol.ChunkSize - 1) / protocol.ChunkSize,
		state:       StateAnnounced,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Done is closed when the transfer phase finishes, successfully or not.
// Load/activate transitions happen after Done.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Progress returns a snapshot of the transfer counters.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		BytesSent:   j.bytesSent,
		TotalBytes:  j.TotalBytes,
		ChunksSent:  j.chunksSent,
		ChunksAcked: j.chunksAcked,
		TotalChunks: j.TotalChunks,
		State:       j.state.String(),
		LastAck:     j.lastAck,
	}
}

// SlotState returns the device-reported slot state, which overrides any
// local prediction.
func (j *Job) SlotState() protocol.SlotState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.slotState
}

// terminal reports whether the job can make no further progress.
func (j *Job) terminal() bool {
	switch j.state {
	case StateStalled, StateAborted, StateActive:
		return true
	}
	return false
}

// advance moves the job forward. Backward transitions are refused; once
// terminal, the state is frozen.
func (j *Job) advance(s JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal() || s <= j.state {
		return false
	}
	j.state = s
	return true
}

// failWith freezes the job in a terminal failure state.
func (j *Job) failWith(s JobState, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal() {
		return false
	}
	j.state = s
	j.err = err
	return true
}

// Observation recording. Called from notification listeners; must stay
// cheap and never block.

func (j *Job) observeAck(count int) {
	j.mu.Lock()
	j.chunksAcked += count
	j.lastAck = time.Now()
	j.mu.Unlock()
}

func (j *Job) observeOverload() {
	j.mu.Lock()
	j.overload = true
	j.mu.Unlock()
}

func (j *Job) observeTransferStatus(mode protocol.TransferMode) {
	j.mu.Lock()
	switch mode {
	case protocol.TransferReady, protocol.TransferReadyToAppend:
		j.readyOnce.Do(func() { close(j.ready) })
	case protocol.TransferReceivedOK:
		j.confirmed = true
	case protocol.TransferReceivedError, protocol.TransferTimeout:
		if j.deviceErr == nil {
			j.deviceErr = fmt.Errorf("device rejected transfer: %s", mode)
		}
	}
	j.mu.Unlock()
}

func (j *Job) observeSlotState(s protocol.SlotState) {
	j.mu.Lock()
	j.slotState = s
	j.mu.Unlock()
}

// takeOverload consumes a pending overload signal.
func (j *Job) takeOverload() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := j.overload
	j.overload = false
	return v
}

func (j *Job) recordChunk(n int) {
	j.mu.Lock()
	j.bytesSent += n
	j.chunksSent++
	j.mu.Unlock()
}

// ackSnapshot returns the counters the writer needs for liveness checks.
func (j *Job) ackSnapshot() (acked, sent int, lastAck time.Time, confirmed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunksAcked, j.chunksSent, j.lastAck, j.confirmed
}

// transferErr returns a device-reported transfer failure, if any.
func (j *Job) transferErr() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deviceErr
}

// Chunks splits content into fixed-size bulk-channel chunks. The final
// chunk may be shorter; boundaries are purely size-based.
func Chunks(content []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(content); off += protocol.ChunkSize {
		end := off + protocol.ChunkSize
		if end > len(content) {
			end = len(content)
		}
		out = append(out, content[off:end])
	}
	return out
}
