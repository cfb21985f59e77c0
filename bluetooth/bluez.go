package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	bluezBusName         = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	bluezDeviceIface     = "org.bluez.Device1"
	bluezGattCharIface   = "org.bluez.GattCharacteristic1"
	dbusPropertiesIface  = "org.freedesktop.DBus.Properties"
	dbusObjectMgrIface   = "org.freedesktop.DBus.ObjectManager"
	servicesResolvedPoll = 250 * time.Millisecond
)

// BluezTransport implements Transport on top of the BlueZ D-Bus API.
type BluezTransport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	log     zerolog.Logger
}

// NewBluezTransport connects to the system bus and binds the given
// adapter (e.g. "hci0").
func NewBluezTransport(adapter string, log zerolog.Logger) (*BluezTransport, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if adapter == "" {
		adapter = "hci0"
	}
	return &BluezTransport{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		log:     log,
	}, nil
}

// Close releases the D-Bus connection.
func (t *BluezTransport) Close() error { return t.conn.Close() }

func (t *BluezTransport) devicePath(address string) dbus.ObjectPath {
	formatted := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(t.adapter) + "/dev_" + formatted)
}

// Discover runs a passive scan, emitting already-known and newly seen
// devices until the timeout elapses or ctx is cancelled.
func (t *BluezTransport) Discover(ctx context.Context, timeout time.Duration) (<-chan Advertisement, error) {
	adapterObj := t.conn.Object(bluezBusName, t.adapter)
	if err := adapterObj.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	rule := "type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'"
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		adapterObj.Call(bluezAdapterIface+".StopDiscovery", 0)
		return nil, fmt.Errorf("add discovery match: %w", err)
	}

	sigChan := make(chan *dbus.Signal, 32)
	t.conn.Signal(sigChan)

	out := make(chan Advertisement, 16)
	go func() {
		defer func() {
			t.conn.RemoveSignal(sigChan)
			t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
			adapterObj.Call(bluezAdapterIface+".StopDiscovery", 0)
			close(out)
		}()

		// Devices BlueZ already knows about are not re-announced via
		// InterfacesAdded; enumerate them up front.
		for _, ad := range t.knownDevices() {
			out <- ad
		}

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				return
			case sig := <-sigChan:
				if sig == nil || len(sig.Body) < 2 {
					continue
				}
				ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
				if !ok {
					continue
				}
				props, ok := ifaces[bluezDeviceIface]
				if !ok {
					continue
				}
				if ad, ok := advertisementFromProps(props); ok {
					out <- ad
				}
			}
		}
	}()
	return out, nil
}

func (t *BluezTransport) knownDevices() []Advertisement {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(bluezBusName, "/")
	if err := obj.Call(dbusObjectMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		t.log.Warn().Err(err).Msg("failed to enumerate managed objects")
		return nil
	}

	var out []Advertisement
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(t.adapter)+"/dev_") {
			continue
		}
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		if ad, ok := advertisementFromProps(props); ok {
			out = append(out, ad)
		}
	}
	return out
}

func advertisementFromProps(props map[string]dbus.Variant) (Advertisement, bool) {
	var ad Advertisement
	if v, ok := props["Address"]; ok {
		ad.Address, _ = v.Value().(string)
	}
	if ad.Address == "" {
		return ad, false
	}
	if v, ok := props["Name"]; ok {
		ad.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		ad.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		ad.RSSI, _ = v.Value().(int16)
	}
	return ad, true
}

// Connect dials a device by address and resolves its GATT
// characteristics. Works without prior discovery as long as BlueZ can
// reach the address.
func (t *BluezTransport) Connect(ctx context.Context, address string) (Link, error) {
	devPath := t.devicePath(address)
	devObj := t.conn.Object(bluezBusName, devPath)

	call := devObj.CallWithContext(ctx, bluezDeviceIface+".Connect", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, call.Err)
	}

	if err := t.waitServicesResolved(ctx, devObj); err != nil {
		devObj.Call(bluezDeviceIface+".Disconnect", 0)
		return nil, err
	}

	chars, err := t.resolveCharacteristics(devPath)
	if err != nil {
		devObj.Call(bluezDeviceIface+".Disconnect", 0)
		return nil, err
	}

	link := &bluezLink{
		conn:    t.conn,
		device:  devObj,
		chars:   chars,
		log:     t.log,
		streams: make(map[dbus.ObjectPath]chan []byte),
	}
	if err := link.startSignalLoop(); err != nil {
		devObj.Call(bluezDeviceIface+".Disconnect", 0)
		return nil, err
	}
	return link, nil
}

func (t *BluezTransport) waitServicesResolved(ctx context.Context, devObj dbus.BusObject) error {
	for {
		var variant dbus.Variant
		if err := devObj.Call(dbusPropertiesIface+".Get", 0, bluezDeviceIface, "ServicesResolved").Store(&variant); err == nil {
			if resolved, _ := variant.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for service resolution: %w", ctx.Err())
		case <-time.After(servicesResolvedPoll):
		}
	}
}

// resolveCharacteristics maps characteristic UUIDs to their object paths
// under the device.
func (t *BluezTransport) resolveCharacteristics(devPath dbus.ObjectPath) (map[string]dbus.ObjectPath, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(bluezBusName, "/")
	if err := obj.Call(dbusObjectMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	chars := make(map[string]dbus.ObjectPath)
	prefix := string(devPath) + "/service"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezGattCharIface]
		if !ok {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if uuid, ok := v.Value().(string); ok {
				chars[normalizeUUID(uuid)] = path
			}
		}
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("no GATT characteristics found under %s", devPath)
	}
	return chars, nil
}

// normalizeUUID strips dashes and lowercases so lookups tolerate both
// the 128-bit dashed form BlueZ reports and the compact form in the
// protocol tables.
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// bluezLink is one connected device with its resolved characteristics.
type bluezLink struct {
	conn   *dbus.Conn
	device dbus.BusObject
	chars  map[string]dbus.ObjectPath
	log    zerolog.Logger

	mu           sync.Mutex
	streams      map[dbus.ObjectPath]chan []byte
	sigChan      chan *dbus.Signal
	disconnected bool
}

func (l *bluezLink) charPath(endpoint string) (dbus.ObjectPath, error) {
	path, ok := l.chars[normalizeUUID(endpoint)]
	if !ok {
		return "", fmt.Errorf("characteristic %s not found on device", endpoint)
	}
	return path, nil
}

func (l *bluezLink) Write(endpoint string, data []byte) error {
	path, err := l.charPath(endpoint)
	if err != nil {
		return err
	}
	charObj := l.conn.Object(bluezBusName, path)
	options := map[string]interface{}{"type": "command"} // write without response
	if err := charObj.Call(bluezGattCharIface+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("write %s: %w", endpoint, err)
	}
	return nil
}

func (l *bluezLink) Subscribe(endpoint string) (<-chan []byte, func(), error) {
	path, err := l.charPath(endpoint)
	if err != nil {
		return nil, nil, err
	}

	charObj := l.conn.Object(bluezBusName, path)
	if err := charObj.Call(bluezGattCharIface+".StartNotify", 0).Err; err != nil {
		return nil, nil, fmt.Errorf("start notify %s: %w", endpoint, err)
	}

	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", dbusPropertiesIface, path)
	if err := l.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		charObj.Call(bluezGattCharIface+".StopNotify", 0)
		return nil, nil, fmt.Errorf("add match %s: %w", endpoint, err)
	}

	stream := make(chan []byte, 32)
	l.mu.Lock()
	l.streams[path] = stream
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if s, ok := l.streams[path]; ok {
				delete(l.streams, path)
				close(s)
			}
			l.mu.Unlock()
			l.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
			charObj.Call(bluezGattCharIface+".StopNotify", 0)
		})
	}
	return stream, cancel, nil
}

// startSignalLoop routes PropertiesChanged signals to per-characteristic
// streams. One loop serves every subscription on the link; it must stay
// fast, so full streams drop rather than block the bus dispatcher.
func (l *bluezLink) startSignalLoop() error {
	l.sigChan = make(chan *dbus.Signal, 64)
	l.conn.Signal(l.sigChan)

	go func() {
		for sig := range l.sigChan {
			if sig == nil || sig.Name != dbusPropertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			variant, ok := changed["Value"]
			if !ok {
				continue
			}
			value, ok := variant.Value().([]byte)
			if !ok {
				continue
			}

			// The send happens under l.mu so a racing cancel or
			// Disconnect cannot close the stream mid-send.
			l.mu.Lock()
			if stream := l.streams[sig.Path]; stream != nil {
				data := make([]byte, len(value))
				copy(data, value)
				select {
				case stream <- data:
				default:
					l.log.Warn().Str("path", string(sig.Path)).Msg("notification stream full, dropping")
				}
			}
			l.mu.Unlock()
		}
	}()
	return nil
}

func (l *bluezLink) Disconnect() error {
	l.mu.Lock()
	if l.disconnected {
		l.mu.Unlock()
		return nil
	}
	l.disconnected = true
	streams := l.streams
	l.streams = make(map[dbus.ObjectPath]chan []byte)
	sigChan := l.sigChan
	l.sigChan = nil
	l.mu.Unlock()

	for _, s := range streams {
		close(s)
	}
	if sigChan != nil {
		l.conn.RemoveSignal(sigChan)
		close(sigChan) // safe once removed from delivery
	}

	if err := l.device.Call(bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}
