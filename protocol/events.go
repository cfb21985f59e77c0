package protocol

import "fmt"

// EventType identifies a decoded notification.
type EventType string

const (
	EventFirmwareVersion EventType = "firmware_version"
	EventGeneralAck      EventType = "general_ack"
	EventSensorStatus    EventType = "sensor_status"
	EventTransferStatus  EventType = "transfer_status"
	EventSlotInfo        EventType = "slot_info"
	EventPacketAck       EventType = "packet_ack"
	EventOverload        EventType = "overload"
	EventRaw             EventType = "raw"
)

// Event is a decoded inbound notification tagged with its channel and
// type. Fields beyond Type/Channel/Raw are populated per type. Raw always
// carries the full original payload including the tag byte.
type Event struct {
	Channel Channel
	Type    EventType
	Raw     []byte

	Firmware [4]byte      // EventFirmwareVersion
	AckCode  byte         // EventGeneralAck
	AckCount int          // EventPacketAck: chunks acknowledged since last report
	Mode     TransferMode // EventTransferStatus
	Slot     byte         // EventSlotInfo
	State    SlotState    // EventSlotInfo
}

// DecodeError reports a payload too short for its declared tag. Callers
// log it and forward the event as raw rather than dropping it.
type DecodeError struct {
	Channel Channel
	Tag     byte
	Len     int
	Want    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s tag 0x%02x payload too short: %d bytes (want %d)", e.Channel, e.Tag, e.Len, e.Want)
}

// Decode decodes an inbound payload from the given channel. The first
// byte is the operation tag; the layout of the rest is looked up by
// (channel, tag). Unknown tags and truncated payloads decode to a raw
// passthrough event; the error, when non-nil, is diagnostic only and the
// returned event is always usable.
func Decode(ch Channel, data []byte) (Event, error) {
	ev := Event{Channel: ch, Type: EventRaw, Raw: data}
	if len(data) == 0 {
		return ev, &DecodeError{Channel: ch, Len: 0, Want: 1}
	}

	tag := data[0]
	payload := data[1:]

	switch ch {
	case ChannelControl:
		return decodeControl(ev, tag, payload)
	case ChannelCommand:
		return decodeCommand(ev, tag, payload)
	default:
		return ev, nil
	}
}

func decodeControl(ev Event, tag byte, payload []byte) (Event, error) {
	switch tag {
	case tagRespPacketAck:
		if len(payload) < 1 {
			return ev, &DecodeError{Channel: ev.Channel, Tag: tag, Len: len(payload), Want: 1}
		}
		ev.Type = EventPacketAck
		ev.AckCount = int(payload[0])
	case tagRespOverload:
		// Throttling signal, no payload. Backpressure, not an error.
		ev.Type = EventOverload
	case tagRespFirmwareVersion:
		if len(payload) < 4 {
			return ev, &DecodeError{Channel: ev.Channel, Tag: tag, Len: len(payload), Want: 4}
		}
		ev.Type = EventFirmwareVersion
		copy(ev.Firmware[:], payload[:4])
	}
	return ev, nil
}

func decodeCommand(ev Event, tag byte, payload []byte) (Event, error) {
	switch tag {
	case tagRespGeneralAck:
		if len(payload) < 1 {
			return ev, &DecodeError{Channel: ev.Channel, Tag: tag, Len: len(payload), Want: 1}
		}
		ev.Type = EventGeneralAck
		ev.AckCode = payload[0]
	case tagRespSensorStatus:
		ev.Type = EventSensorStatus
	case tagRespTransferStatus:
		if len(payload) < 1 {
			return ev, &DecodeError{Channel: ev.Channel, Tag: tag, Len: len(payload), Want: 1}
		}
		ev.Type = EventTransferStatus
		ev.Mode = TransferMode(payload[0])
	case tagRespSlotInfo:
		if len(payload) < 2 {
			return ev, &DecodeError{Channel: ev.Channel, Tag: tag, Len: len(payload), Want: 2}
		}
		ev.Type = EventSlotInfo
		ev.Slot = payload[0]
		ev.State = SlotState(payload[1])
	}
	return ev, nil
}
