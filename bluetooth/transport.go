// Package bluetooth manages the physical link to a Furby Connect device:
// discovery, bounded-retry connection, keepalive, and the fan-out of
// notification streams to logical channel subscribers.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Advertisement is a device seen during a passive scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// Identity describes a known device. Address is the stable hardware
// identifier; the rest is best-effort and updated on successful connects.
type Identity struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Firmware string    `json:"firmware,omitempty"`
}

// Link is one established connection to a device. Endpoints are GATT
// characteristic UUIDs.
type Link interface {
	// Write writes data to an endpoint verbatim (write without response).
	Write(endpoint string, data []byte) error
	// Subscribe starts notifications on an endpoint and returns the
	// inbound byte stream. The stream is closed when the returned cancel
	// func runs or the link drops.
	Subscribe(endpoint string) (<-chan []byte, func(), error)
	// Disconnect tears the link down. Safe to call more than once.
	Disconnect() error
}

// Transport abstracts the radio stack so sessions can be tested without
// hardware. Implemented for BlueZ over D-Bus in this package.
type Transport interface {
	// Discover performs a passive scan until the timeout elapses or ctx
	// is cancelled, and closes the returned channel when done. The scan
	// is restartable: each call starts a fresh one.
	Discover(ctx context.Context, timeout time.Duration) (<-chan Advertisement, error)
	// Connect establishes a link to a device by address. Connecting by a
	// known address works even when the device has stopped advertising.
	Connect(ctx context.Context, address string) (Link, error)
}

// ErrNotConnected is returned by channel operations attempted without a
// connected session.
var ErrNotConnected = errors.New("not connected")

// ConnectionError reports a connect whose retries are exhausted.
type ConnectionError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
