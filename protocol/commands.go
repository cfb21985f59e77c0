package protocol

import "fmt"

// Command is a semantic operation that encodes to wire bytes for a
// specific channel. Encode validates field ranges strictly; nothing is
// clamped or truncated silently, and validation happens before any I/O.
type Command interface {
	Channel() Channel
	Encode() ([]byte, error)
}

// ValidationError reports a command field outside its legal range.
type ValidationError struct {
	Field string
	Value int
	Max   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s out of range: %d (max %d)", e.Field, e.Value, e.Max)
}

func checkByte(field string, v int) error {
	if v < 0 || v > 0xFF {
		return &ValidationError{Field: field, Value: v, Max: 0xFF}
	}
	return nil
}

// SetAntennaColor sets the antenna LED color.
type SetAntennaColor struct {
	Red, Green, Blue int
}

func (SetAntennaColor) Channel() Channel { return ChannelCommand }

func (c SetAntennaColor) Encode() ([]byte, error) {
	for _, f := range []struct {
		name string
		v    int
	}{{"red", c.Red}, {"green", c.Green}, {"blue", c.Blue}} {
		if err := checkByte(f.name, f.v); err != nil {
			return nil, err
		}
	}
	return []byte{tagAntennaColor, byte(c.Red), byte(c.Green), byte(c.Blue)}, nil
}

// TriggerAction triggers a specific action from the behavior tree,
// addressed by input/index/subindex/specific.
type TriggerAction struct {
	Input, Index, Subindex, Specific int
}

func (TriggerAction) Channel() Channel { return ChannelCommand }

func (c TriggerAction) Encode() ([]byte, error) {
	for _, f := range []struct {
		name string
		v    int
	}{{"input", c.Input}, {"index", c.Index}, {"subindex", c.Subindex}, {"specific", c.Specific}} {
		if err := checkByte(f.name, f.v); err != nil {
			return nil, err
		}
	}
	return []byte{tagTriggerAction, 0x00, byte(c.Input), byte(c.Index), byte(c.Subindex), byte(c.Specific)}, nil
}

// MoodAction selects how SetMoodMeter applies its value.
type MoodAction int

const (
	MoodIncrease MoodAction = 0
	MoodSet      MoodAction = 1
)

// MoodType identifies one of the device's emotional state meters.
type MoodType int

const (
	MoodExcitedness   MoodType = 0
	MoodDispleasednes MoodType = 1
	MoodTiredness     MoodType = 2
	MoodFullness      MoodType = 3
	MoodWellness      MoodType = 4
)

// SetMoodMeter sets or increases one mood meter. Value is 0-100.
type SetMoodMeter struct {
	Action MoodAction
	Type   MoodType
	Value  int
}

func (SetMoodMeter) Channel() Channel { return ChannelCommand }

func (c SetMoodMeter) Encode() ([]byte, error) {
	if c.Action != MoodIncrease && c.Action != MoodSet {
		return nil, &ValidationError{Field: "action", Value: int(c.Action), Max: 1}
	}
	if c.Type < MoodExcitedness || c.Type > MoodWellness {
		return nil, &ValidationError{Field: "type", Value: int(c.Type), Max: int(MoodWellness)}
	}
	if c.Value < 0 || c.Value > MaxMoodValue {
		return nil, &ValidationError{Field: "value", Value: c.Value, Max: MaxMoodValue}
	}
	return []byte{tagMoodMeter, byte(c.Action), byte(c.Type), byte(c.Value)}, nil
}

// SetPacketAck enables or disables transfer acknowledgements on the
// control channel. While enabled the device reports how many bulk chunks
// it consumed since the previous report.
type SetPacketAck struct {
	Enabled bool
}

func (SetPacketAck) Channel() Channel { return ChannelControl }

func (c SetPacketAck) Encode() ([]byte, error) {
	on := byte(0)
	if c.Enabled {
		on = 1
	}
	return []byte{tagPacketAck, on, 0x00}, nil
}

// AnnounceUpload announces an upcoming DLC transfer into a slot. The wire
// layout is tag, a 0x00 filler, the total size as 3 bytes big-endian, the
// slot, a 12-byte NUL-padded ASCII filename, and two trailing 0x00 bytes.
// An empty Filename falls back to DefaultUploadName.
type AnnounceUpload struct {
	Slot     int
	Size     int
	Filename string
}

func (AnnounceUpload) Channel() Channel { return ChannelCommand }

func (c AnnounceUpload) Encode() ([]byte, error) {
	if err := checkByte("slot", c.Slot); err != nil {
		return nil, err
	}
	if c.Size <= 0 || c.Size > MaxUploadSize {
		return nil, &ValidationError{Field: "size", Value: c.Size, Max: MaxUploadSize}
	}
	name := c.Filename
	if name == "" {
		name = DefaultUploadName
	}
	if len(name) > UploadNameLen {
		return nil, &ValidationError{Field: "filename", Value: len(name), Max: UploadNameLen}
	}
	buf := make([]byte, 0, 6+UploadNameLen+2)
	buf = append(buf,
		tagAnnounceUpload,
		0x00,
		byte(c.Size>>16),
		byte(c.Size>>8),
		byte(c.Size),
		byte(c.Slot),
	)
	buf = append(buf, name...)
	for i := len(name); i < UploadNameLen; i++ {
		buf = append(buf, 0x00)
	}
	return append(buf, 0x00, 0x00), nil
}

// LoadSlot loads previously downloaded DLC content from a slot.
type LoadSlot struct {
	Slot int
}

func (LoadSlot) Channel() Channel { return ChannelCommand }

func (c LoadSlot) Encode() ([]byte, error) {
	if err := checkByte("slot", c.Slot); err != nil {
		return nil, err
	}
	return []byte{tagLoadSlot, byte(c.Slot)}, nil
}

// ActivateSlot activates the currently loaded DLC content.
type ActivateSlot struct{}

func (ActivateSlot) Channel() Channel { return ChannelCommand }

func (ActivateSlot) Encode() ([]byte, error) {
	return []byte{tagActivateSlot}, nil
}

// DeactivateSlot deactivates a slot without deleting its content.
type DeactivateSlot struct {
	Slot int
}

func (DeactivateSlot) Channel() Channel { return ChannelCommand }

func (c DeactivateSlot) Encode() ([]byte, error) {
	if err := checkByte("slot", c.Slot); err != nil {
		return nil, err
	}
	return []byte{tagDeactivateSlot, byte(c.Slot)}, nil
}

// DeleteSlot deletes a slot's content, resetting it to empty.
type DeleteSlot struct {
	Slot int
}

func (DeleteSlot) Channel() Channel { return ChannelCommand }

func (c DeleteSlot) Encode() ([]byte, error) {
	if err := checkByte("slot", c.Slot); err != nil {
		return nil, err
	}
	return []byte{tagDeleteSlot, byte(c.Slot)}, nil
}

// QuerySlot asks the device to report a slot's state.
type QuerySlot struct {
	Slot int
}

func (QuerySlot) Channel() Channel { return ChannelCommand }

func (c QuerySlot) Encode() ([]byte, error) {
	if err := checkByte("slot", c.Slot); err != nil {
		return nil, err
	}
	return []byte{tagQuerySlot, byte(c.Slot)}, nil
}

// SetName sets the device's name by ID (0-128, see NameByID).
type SetName struct {
	ID int
}

func (SetName) Channel() Channel { return ChannelCommand }

func (c SetName) Encode() ([]byte, error) {
	if c.ID < 0 || c.ID > MaxNameID {
		return nil, &ValidationError{Field: "id", Value: c.ID, Max: MaxNameID}
	}
	return []byte{tagSetName, byte(c.ID)}, nil
}

// SetBacklight controls the LCD eye backlight.
type SetBacklight struct {
	Enabled bool
}

func (SetBacklight) Channel() Channel { return ChannelCommand }

func (c SetBacklight) Encode() ([]byte, error) {
	on := byte(0)
	if c.Enabled {
		on = 1
	}
	return []byte{tagBacklight, on}, nil
}

// CycleDebugMenu advances the on-eye debug menu.
type CycleDebugMenu struct{}

func (CycleDebugMenu) Channel() Channel { return ChannelCommand }

func (CycleDebugMenu) Encode() ([]byte, error) {
	return []byte{tagDebugMenu}, nil
}

// Keepalive is the no-op write the session manager sends periodically.
// Beyond link-loss detection it keeps the device quiet while under app
// control.
type Keepalive struct{}

func (Keepalive) Channel() Channel { return ChannelCommand }

func (Keepalive) Encode() ([]byte, error) {
	return []byte{tagKeepalive}, nil
}
