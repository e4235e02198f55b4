package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/api/service"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"

	"github.com/cvsouth/meshnode/datagram"
)

// ServiceUUID identifies the mesh's custom GATT service and the scan
// response's service-data blob (spec §6 discovery advertisement).
const ServiceUUID = "6d657368-6e6f-6465-0000-000000000001"

// CharacteristicUUID is the write/notify characteristic datagrams travel
// over once two nodes have an active logical connection.
const CharacteristicUUID = "6d657368-6e6f-6465-0000-000000000002"

// BLEAdapter is the Linux BlueZ-backed Adapter, built on
// github.com/muka/go-bluetooth and github.com/godbus/dbus/v5.
type BLEAdapter struct {
	AdapterID string // e.g. "hci0"
	Logger    *slog.Logger

	mu        sync.Mutex
	btAdapter *adapter.Adapter1
	adv       *advertising.LEAdvertisement1Properties
	gatt      *service.App
	conn      *dbus.Conn

	connected map[datagram.SenderID]string // sender id -> device dbus path
	incoming  IncomingHandler
	scanFn    ScanHandler

	stopScan chan struct{}
}

// NewBLEAdapter constructs an adapter bound to a BlueZ HCI device.
func NewBLEAdapter(adapterID string, logger *slog.Logger) *BLEAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BLEAdapter{
		AdapterID: adapterID,
		Logger:    logger,
		connected: make(map[datagram.SenderID]string),
	}
}

func (b *BLEAdapter) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := api.GetAdapter(b.AdapterID)
	if err != nil {
		return fmt.Errorf("%w: get adapter %s: %v", ErrRadioUnavailable, b.AdapterID, err)
	}
	if err := a.SetPowered(true); err != nil {
		return fmt.Errorf("%w: power on adapter: %v", ErrRadioUnavailable, err)
	}
	b.btAdapter = a

	app, err := service.NewApp(service.AppConfig{
		AdapterID: b.AdapterID,
	})
	if err != nil {
		return fmt.Errorf("%w: create gatt app: %v", ErrRadioUnavailable, err)
	}
	b.gatt = app

	svc, err := app.NewService(ServiceUUID)
	if err != nil {
		return fmt.Errorf("%w: create gatt service: %v", ErrRadioUnavailable, err)
	}
	if err := app.AddService(svc); err != nil {
		return fmt.Errorf("%w: register gatt service: %v", ErrRadioUnavailable, err)
	}

	char, err := svc.NewChar(CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("%w: create gatt characteristic: %v", ErrRadioUnavailable, err)
	}
	char.Properties.Flags = []string{"write", "notify"}
	char.OnWrite(b.onCharacteristicWrite)
	if err := svc.AddChar(char); err != nil {
		return fmt.Errorf("%w: register gatt characteristic: %v", ErrRadioUnavailable, err)
	}

	if err := app.Run(); err != nil {
		return fmt.Errorf("%w: run gatt app: %v", ErrRadioUnavailable, err)
	}

	b.Logger.Info("ble transport started", "adapter", b.AdapterID)
	return nil
}

func (b *BLEAdapter) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopScan != nil {
		close(b.stopScan)
		b.stopScan = nil
	}
	if b.gatt != nil {
		b.gatt.Close()
	}
	if b.btAdapter != nil {
		_ = b.btAdapter.SetPowered(false)
	}
	return nil
}

// Advertise publishes a fixed 24-byte service-data blob: sender id,
// status byte, protocol version (spec §6).
func (b *BLEAdapter) Advertise(selfID datagram.SenderID, status uint8, protocolVersion uint8) error {
	b.mu.Lock()
	a := b.btAdapter
	b.mu.Unlock()
	if a == nil {
		return ErrRadioUnavailable
	}

	payload := encodeAdvertisement(selfID, status, protocolVersion)
	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypeBroadcast,
		ServiceUUIDs: []string{ServiceUUID},
		ServiceData: map[string]interface{}{
			ServiceUUID: payload,
		},
	}

	cancel, err := api.ExposeAdvertisement(a.Path(), props, uint32(AdvertisePeriod/time.Millisecond))
	if err != nil {
		return fmt.Errorf("%w: expose advertisement: %v", ErrRadioUnavailable, err)
	}
	b.mu.Lock()
	b.adv = props
	b.mu.Unlock()
	_ = cancel // kept alive for the lifetime of the process; released on Stop via adapter power-off
	return nil
}

func encodeAdvertisement(selfID datagram.SenderID, status uint8, version uint8) []byte {
	out := make([]byte, 24)
	copy(out[0:6], selfID[:])
	out[6] = status
	out[7] = version
	return out
}

func decodeAdvertisement(data []byte) (datagram.SenderID, uint8, uint8, bool) {
	if len(data) < 8 {
		return datagram.SenderID{}, 0, 0, false
	}
	var id datagram.SenderID
	copy(id[:], data[0:6])
	return id, data[6], data[7], true
}

// Scan begins discovery and invokes handler for every mesh service-data
// advertisement seen.
func (b *BLEAdapter) Scan(handler ScanHandler) error {
	b.mu.Lock()
	a := b.btAdapter
	b.scanFn = handler
	b.stopScan = make(chan struct{})
	stop := b.stopScan
	b.mu.Unlock()
	if a == nil {
		return ErrRadioUnavailable
	}

	discovery, cancel, err := api.Discover(a, nil)
	if err != nil {
		return fmt.Errorf("%w: discover: %v", ErrRadioUnavailable, err)
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-discovery:
				if !ok {
					return
				}
				b.handleDiscoveryEvent(ev)
			}
		}
	}()
	return nil
}

func (b *BLEAdapter) handleDiscoveryEvent(ev *adapter.DeviceDiscovered) {
	dev, err := device.NewDevice1(ev.Path)
	if err != nil || dev == nil {
		return
	}
	raw, ok := dev.Properties.ServiceData[ServiceUUID]
	if !ok {
		return
	}
	bytes, ok := raw.([]byte)
	if !ok {
		return
	}
	id, status, version, ok := decodeAdvertisement(bytes)
	if !ok {
		return
	}

	b.mu.Lock()
	b.connected[id] = ev.Path
	handler := b.scanFn
	b.mu.Unlock()

	if handler != nil {
		handler(id, dev.Properties.Name, int(dev.Properties.RSSI), status, version)
	}
}

func (b *BLEAdapter) ConnectedPeers() []datagram.SenderID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]datagram.SenderID, 0, len(b.connected))
	for id := range b.connected {
		out = append(out, id)
	}
	return out
}

// Send writes wire to peerID's characteristic, failing within
// SendTimeout if the underlying dbus call does not return in time.
func (b *BLEAdapter) Send(peerID datagram.SenderID, wire []byte) bool {
	b.mu.Lock()
	path, ok := b.connected[peerID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	done := make(chan error, 1)
	go func() {
		done <- writeCharacteristic(path, wire)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.Logger.Warn("ble send failed", "peer", peerID, "err", err)
			return false
		}
		return true
	case <-time.After(SendTimeout):
		b.Logger.Warn("ble send timed out", "peer", peerID)
		return false
	}
}

func writeCharacteristic(devicePath string, wire []byte) error {
	dev, err := device.NewDevice1(dbus.ObjectPath(devicePath))
	if err != nil {
		return err
	}
	char, err := dev.GetCharByUUID(CharacteristicUUID)
	if err != nil {
		return err
	}
	return char.WriteValue(wire, nil)
}

// Broadcast writes wire to every connected peer, tolerating individual
// failures (spec §5: "failure of one peer does not abort a broadcast to
// the remaining peers").
func (b *BLEAdapter) Broadcast(wire []byte) int {
	sent := 0
	for _, id := range b.ConnectedPeers() {
		if b.Send(id, wire) {
			sent++
		}
	}
	return sent
}

func (b *BLEAdapter) Incoming(handler IncomingHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incoming = handler
}

func (b *BLEAdapter) onCharacteristicWrite(c *service.Char, value []byte) ([]byte, error) {
	b.mu.Lock()
	handler := b.incoming
	b.mu.Unlock()
	if handler != nil {
		handler(append([]byte(nil), value...))
	}
	return nil, nil
}

var _ Adapter = (*BLEAdapter)(nil)
