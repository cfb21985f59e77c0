package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeControlPacketAck(t *testing.T) {
	ev, err := Decode(ChannelControl, []byte{0x09, 0x05})
	require.NoError(t, err)
	assert.Equal(t, EventPacketAck, ev.Type)
	assert.Equal(t, 5, ev.AckCount)
	assert.Equal(t, []byte{0x09, 0x05}, ev.Raw)
}

func TestDecodeControlOverload(t *testing.T) {
	ev, err := Decode(ChannelControl, []byte{0x0a})
	require.NoError(t, err)
	assert.Equal(t, EventOverload, ev.Type)
}

func TestDecodeControlFirmwareVersion(t *testing.T) {
	ev, err := Decode(ChannelControl, []byte{0x01, 0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	assert.Equal(t, EventFirmwareVersion, ev.Type)
	assert.Equal(t, [4]byte{0xDE, 0xAD, 0xBE, 0xEF}, ev.Firmware)
}

func TestDecodeCommandChannel(t *testing.T) {
	ev, err := Decode(ChannelCommand, []byte{0x20, 0x06})
	require.NoError(t, err)
	assert.Equal(t, EventGeneralAck, ev.Type)
	assert.Equal(t, byte(0x06), ev.AckCode)

	ev, err = Decode(ChannelCommand, []byte{0x24, 0x05})
	require.NoError(t, err)
	assert.Equal(t, EventTransferStatus, ev.Type)
	assert.Equal(t, TransferReceivedOK, ev.Mode)

	ev, err = Decode(ChannelCommand, []byte{0x73, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, EventSlotInfo, ev.Type)
	assert.Equal(t, byte(2), ev.Slot)
	assert.Equal(t, SlotActive, ev.State)
}

func TestDecodeUnknownTagPassesThroughRaw(t *testing.T) {
	raw := []byte{0xE7, 0x01, 0x02}
	ev, err := Decode(ChannelCommand, raw)
	require.NoError(t, err)
	assert.Equal(t, EventRaw, ev.Type)
	assert.Equal(t, raw, ev.Raw)
}

func TestDecodeTruncatedPayloadStillUsable(t *testing.T) {
	ev, err := Decode(ChannelControl, []byte{0x01, 0xDE})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 4, de.Want)
	// Diagnostic error only; the event remains usable raw.
	assert.Equal(t, EventRaw, ev.Type)
	assert.Equal(t, []byte{0x01, 0xDE}, ev.Raw)
}

func TestDecodeEmptyPayload(t *testing.T) {
	ev, err := Decode(ChannelControl, nil)
	assert.Error(t, err)
	assert.Equal(t, EventRaw, ev.Type)
}

func TestDecodeRSSIChannelIsRaw(t *testing.T) {
	ev, err := Decode(ChannelRSSI, []byte{0xB0})
	require.NoError(t, err)
	assert.Equal(t, EventRaw, ev.Type)
}

func TestSlotStateStrings(t *testing.T) {
	assert.Equal(t, "empty", SlotEmpty.String())
	assert.Equal(t, "in_progress", SlotInProgress.String())
	assert.Equal(t, "downloaded", SlotDownloaded.String())
	assert.Equal(t, "active", SlotActive.String())
}
