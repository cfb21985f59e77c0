package bluetooth

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mattnigh/PyFluff/protocol"
)

// State is the session lifecycle state. Transitions:
// Idle → Connecting → {Connected | Failed};
// Connected → Disconnected (explicit) | Failed (keepalive/write error).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind classifies session lifecycle events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventFailed       EventKind = "failed"
)

// SessionEvent is emitted on session state changes.
type SessionEvent struct {
	Kind    EventKind
	Address string
	Err     error
}

// ConnectOptions tunes a connect attempt sequence. Retries is the total
// number of attempts; RetryDelay separates attempts and is never applied
// after the last one.
type ConnectOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	NameFilter string // discovery only; default "Furby"
}

func (o *ConnectOptions) withDefaults() ConnectOptions {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	if out.Retries <= 0 {
		out.Retries = 1
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = 0
	}
	if out.NameFilter == "" {
		out.NameFilter = protocol.DeviceName
	}
	return out
}

// Manager owns at most one physical link at a time. Connect and
// Disconnect are mutually exclusive; a second Connect blocks until the
// first finishes.
type Manager struct {
	transport Transport
	log       zerolog.Logger
	registry  *Registry

	connMu sync.Mutex // serializes connect/disconnect transitions

	mu     sync.RWMutex
	state  State
	device Identity
	link   Link

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	events       chan SessionEvent
	failureHooks []func(error)
}

// NewManager creates a session manager over the given transport.
func NewManager(transport Transport, log zerolog.Logger) *Manager {
	m := &Manager{
		transport:         transport,
		log:               log,
		state:             StateIdle,
		keepaliveInterval: protocol.KeepaliveInterval * time.Second,
		events:            make(chan SessionEvent, 16),
	}
	m.registry = newRegistry(func() bool { return m.State() == StateConnected }, log)
	return m
}

// SetKeepaliveInterval overrides the keepalive period. Takes effect on
// the next connect.
func (m *Manager) SetKeepaliveInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.keepaliveInterval = d
	m.mu.Unlock()
}

// Registry exposes the channel registry bound to this manager's session.
func (m *Manager) Registry() *Registry { return m.registry }

// Events is a stream of session lifecycle events. Events are dropped if
// the consumer falls behind.
func (m *Manager) Events() <-chan SessionEvent { return m.events }

// OnFailure registers a hook run when the session fails out from under
// its users (keepalive or write error). Hooks run on the failing
// goroutine and must not block.
func (m *Manager) OnFailure(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureHooks = append(m.failureHooks, fn)
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Device returns the identity of the current (or last) session target.
func (m *Manager) Device() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// Discover scans for devices whose advertised name contains filter
// (default "Furby"). The channel closes when timeout elapses or ctx is
// cancelled; each call starts a fresh scan.
func (m *Manager) Discover(ctx context.Context, filter string, timeout time.Duration) (<-chan Identity, error) {
	if filter == "" {
		filter = protocol.DeviceName
	}
	ads, err := m.transport.Discover(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	out := make(chan Identity, 8)
	go func() {
		defer close(out)
		seen := make(map[string]bool)
		for ad := range ads {
			if !strings.Contains(ad.Name, filter) || seen[ad.Address] {
				continue
			}
			seen[ad.Address] = true
			m.log.Info().Str("address", ad.Address).Str("name", ad.Name).Msg("discovered device")
			out <- Identity{Address: ad.Address, Name: ad.Name, LastSeen: time.Now()}
		}
	}()
	return out, nil
}

// Connect establishes a session with the target. An empty address means
// discover-first: the first matching device wins. A known address is
// dialed directly, which works even when the device has stopped
// advertising (it still accepts connections at the radio layer while
// busy with another Furby). Each attempt is independent: partial link
// state is fully torn down before the next attempt, attempts are
// separated by RetryDelay, and no delay follows the last attempt.
func (m *Manager) Connect(ctx context.Context, address string, opts ConnectOptions) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.State() == StateConnected {
		m.log.Warn().Msg("already connected")
		return nil
	}

	o := opts.withDefaults()
	m.setState(StateConnecting)

	if address == "" {
		found, err := m.discoverOne(ctx, o)
		if err != nil {
			m.setState(StateFailed)
			return err
		}
		address = found.Address
		m.setDevice(found)
	}

	var lastErr error
	for attempt := 1; attempt <= o.Retries; attempt++ {
		m.log.Info().Str("address", address).Int("attempt", attempt).Int("retries", o.Retries).Msg("connecting")

		link, err := m.tryConnect(ctx, address, o.Timeout)
		if err == nil {
			m.finishConnect(address, link)
			return nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("connect attempt failed")

		if attempt < o.Retries {
			select {
			case <-time.After(o.RetryDelay):
			case <-ctx.Done():
				m.setState(StateFailed)
				return &ConnectionError{Address: address, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}

	m.setState(StateFailed)
	return &ConnectionError{Address: address, Attempts: o.Retries, Err: lastErr}
}

// tryConnect performs one attempt and leaves no partial state behind on
// failure.
func (m *Manager) tryConnect(ctx context.Context, address string, timeout time.Duration) (Link, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	link, err := m.transport.Connect(attemptCtx, address)
	if err != nil {
		return nil, err
	}
	if err := m.registry.attach(link); err != nil {
		link.Disconnect()
		return nil, err
	}
	return link, nil
}

func (m *Manager) finishConnect(address string, link Link) {
	m.mu.Lock()
	m.link = link
	m.state = StateConnected
	m.device.Address = address
	m.device.LastSeen = time.Now()
	m.keepaliveStop = make(chan struct{})
	stop := m.keepaliveStop
	m.mu.Unlock()

	// The firmware version arrives as a notification shortly after
	// connecting; capture it onto the identity when it does.
	var once sync.Once
	var unsub func()
	unsub = m.registry.Subscribe(protocol.ChannelControl, func(ev protocol.Event) {
		if ev.Type != protocol.EventFirmwareVersion {
			return
		}
		once.Do(func() {
			m.mu.Lock()
			m.device.Firmware = hex.EncodeToString(ev.Firmware[:])
			m.mu.Unlock()
			go unsub()
		})
	})

	go m.keepaliveLoop(stop)

	m.log.Info().Str("address", address).Msg("connected")
	m.emit(SessionEvent{Kind: EventConnected, Address: address})
}

func (m *Manager) discoverOne(ctx context.Context, o ConnectOptions) (Identity, error) {
	devices, err := m.Discover(ctx, o.NameFilter, o.Timeout)
	if err != nil {
		return Identity{}, err
	}
	for dev := range devices {
		return dev, nil
	}
	return Identity{}, &ConnectionError{Attempts: 0, Err: fmt.Errorf("no device matching %q found", o.NameFilter)}
}

// Disconnect tears the session down. Idempotent: calling it when already
// disconnected is a no-op.
func (m *Manager) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	link := m.link
	if link == nil {
		m.mu.Unlock()
		return nil
	}
	m.link = nil
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
	addr := m.device.Address
	m.state = StateDisconnected
	m.mu.Unlock()

	m.registry.detach()
	err := link.Disconnect()

	m.log.Info().Str("address", addr).Msg("disconnected")
	m.emit(SessionEvent{Kind: EventDisconnected, Address: addr})
	return err
}

// Issue encodes a command and publishes it on its channel. Validation
// errors surface before any I/O.
func (m *Manager) Issue(cmd protocol.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	return m.registry.Publish(cmd.Channel(), data)
}

// Publish writes raw bytes to a channel's write endpoint.
func (m *Manager) Publish(ch protocol.Channel, data []byte) error {
	return m.registry.Publish(ch, data)
}

// Subscribe registers a notification handler on a channel. The returned
// cancel is idempotent.
func (m *Manager) Subscribe(ch protocol.Channel, handler func(protocol.Event)) func() {
	return m.registry.Subscribe(ch, handler)
}

// keepaliveLoop sends a low-frequency no-op write to detect silent link
// loss. A failed write fails the session and notifies listeners instead
// of surfacing from an unrelated call site.
func (m *Manager) keepaliveLoop(stop <-chan struct{}) {
	m.mu.RLock()
	interval := m.keepaliveInterval
	m.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	data, _ := protocol.Keepalive{}.Encode()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.registry.Publish(protocol.ChannelCommand, data); err != nil {
				m.log.Error().Err(err).Msg("keepalive write failed")
				m.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

// fail transitions Connected → Failed, releases the link, and notifies
// failure hooks (e.g. aborting in-flight uploads).
func (m *Manager) fail(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	link := m.link
	m.link = nil
	if m.keepaliveStop != nil {
		select {
		case <-m.keepaliveStop:
		default:
			close(m.keepaliveStop)
		}
		m.keepaliveStop = nil
	}
	addr := m.device.Address
	hooks := append([]func(error){}, m.failureHooks...)
	m.mu.Unlock()

	m.registry.detach()
	if link != nil {
		link.Disconnect()
	}

	m.log.Error().Err(cause).Str("address", addr).Msg("session failed")
	m.emit(SessionEvent{Kind: EventFailed, Address: addr, Err: cause})
	for _, fn := range hooks {
		fn(cause)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setDevice(d Identity) {
	m.mu.Lock()
	m.device = d
	m.mu.Unlock()
}

func (m *Manager) emit(ev SessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Str("kind", string(ev.Kind)).Msg("session event dropped")
	}
}
