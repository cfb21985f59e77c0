// Package protocol implements the Furby Connect wire protocol: GATT
// endpoint UUIDs, command encoding and notification decoding. It is pure
// encode/decode and performs no I/O.
//
// Protocol knowledge is based on the bluefluff reverse-engineering effort.
// Large regions of the protocol remain undocumented; unknown inbound tags
// are surfaced as raw events rather than dropped.
package protocol

// Fluff service and characteristic UUIDs.
const (
	ServiceFluff = "dab91435b5a1e29cb041bcd562613bde"

	// GeneralPlus microcontroller: behavior commands and status notifications.
	CharGeneralPlusWrite  = "dab91383b5a1e29cb041bcd562613bde"
	CharGeneralPlusListen = "dab91382b5a1e29cb041bcd562613bde"

	// Nordic microcontroller: transfer flow control.
	CharNordicWrite  = "dab90757b5a1e29cb041bcd562613bde"
	CharNordicListen = "dab90756b5a1e29cb041bcd562613bde"

	// Bulk file data, raw 20-byte chunks with no framing.
	CharFileWrite = "dab90758b5a1e29cb041bcd562613bde"

	CharRSSIListen = "dab90755b5a1e29cb041bcd562613bde"
)

// Device information characteristics (standard GATT).
const (
	CharManufacturerName = "00002a29-0000-1000-8000-00805f9b34fb"
	CharModelNumber      = "00002a24-0000-1000-8000-00805f9b34fb"
	CharSerialNumber     = "00002a25-0000-1000-8000-00805f9b34fb"
	CharFirmwareRevision = "00002a26-0000-1000-8000-00805f9b34fb"
)

// Channel is a logical sub-channel of the link. Each channel maps to a
// (write, notify) characteristic pair; Bulk is write-only and RSSI is
// notify-only.
type Channel string

const (
	ChannelCommand Channel = "command" // GeneralPlus
	ChannelControl Channel = "control" // Nordic
	ChannelBulk    Channel = "bulk"    // file data
	ChannelRSSI    Channel = "rssi"
)

// Protocol constants.
const (
	DeviceName        = "Furby"
	ChunkSize         = 20 // bytes per bulk-channel write
	MaxUploadSize     = 0xFFFFFF
	UploadNameLen     = 12 // filename field width in announce payloads
	DefaultUploadName = "TU003410.DLC"
	MaxNameID         = 128
	MaxMoodValue      = 100
	KeepaliveInterval = 3 // seconds
)

// GeneralPlus command tags.
const (
	tagKeepalive      = 0x00
	tagTriggerAction  = 0x13
	tagAntennaColor   = 0x14
	tagSetName        = 0x21
	tagMoodMeter      = 0x24
	tagAnnounceUpload = 0x50
	tagLoadSlot       = 0x60
	tagActivateSlot   = 0x61
	tagDeactivateSlot = 0x62
	tagQuerySlot      = 0x73
	tagDeleteSlot     = 0x74
	tagBacklight      = 0xCD
	tagDebugMenu      = 0xDB
)

// Nordic command tags.
const (
	tagPacketAck = 0x09
)

// GeneralPlus response tags.
const (
	tagRespGeneralAck     = 0x20
	tagRespSensorStatus   = 0x21
	tagRespTransferStatus = 0x24
	tagRespSlotInfo       = 0x73
)

// Nordic response tags.
const (
	tagRespFirmwareVersion = 0x01
	tagRespPacketAck       = 0x09
	tagRespOverload        = 0x0a
)

// SlotState is the device-reported lifecycle state of a DLC slot. The
// device's reports are authoritative; local bookkeeping is only a
// prediction until confirmed by one of these.
type SlotState byte

const (
	SlotEmpty      SlotState = 0
	SlotInProgress SlotState = 1
	SlotDownloaded SlotState = 2
	SlotActive     SlotState = 3
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotInProgress:
		return "in_progress"
	case SlotDownloaded:
		return "downloaded"
	case SlotActive:
		return "active"
	default:
		return "unknown"
	}
}

// TransferMode values reported in TransferStatus notifications during a
// DLC upload.
type TransferMode byte

const (
	TransferFileExists    TransferMode = 0x01
	TransferReady         TransferMode = 0x02
	TransferTimeout       TransferMode = 0x03
	TransferReadyToAppend TransferMode = 0x04
	TransferReceivedOK    TransferMode = 0x05
	TransferReceivedError TransferMode = 0x06
)

func (m TransferMode) String() string {
	switch m {
	case TransferFileExists:
		return "file_already_exists"
	case TransferReady:
		return "ready_to_receive"
	case TransferTimeout:
		return "transfer_timeout"
	case TransferReadyToAppend:
		return "ready_to_append"
	case TransferReceivedOK:
		return "received_ok"
	case TransferReceivedError:
		return "received_error"
	default:
		return "unknown"
	}
}
