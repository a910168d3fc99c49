package esphome

import (
	"errors"
	"fmt"

	"github.com/nerrad567/homehub/internal/driver"
)

// errUnsupportedEntityType and errUnsupportedCapability back the two
// Invoke failure strings the command translation table specifies.
var (
	errUnsupportedEntityType = errors.New("Unsupported entity type")
	errUnsupportedCapability = errors.New("Unsupported capability")
)

// encodeCommand translates a normalized driver.Command for an entity of
// the given kind into a wire message type and payload, per the command
// translation table. It returns errUnsupportedEntityType /
// errUnsupportedCapability for anything not in the table.
func encodeCommand(kind entityKind, key uint32, cmd driver.Command) (msgType int, payload []byte, err error) {
	switch kind {
	case kindSwitch:
		if cmd.Capability != "on_off" {
			return 0, nil, errUnsupportedCapability
		}
		on, _ := cmd.Value.(bool)
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.boolField(fieldState, on)
		return msgSwitchCommand, w.bytesOut(), nil

	case kindLight:
		return encodeLightCommand(key, cmd)

	case kindButton:
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		return msgButtonCommand, w.bytesOut(), nil

	case kindNumber:
		if cmd.Capability != "numeric" {
			return 0, nil, errUnsupportedCapability
		}
		v, err := asFloat32(cmd.Value)
		if err != nil {
			return 0, nil, err
		}
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.float32Field(fieldState, v)
		return msgNumberCommand, w.bytesOut(), nil

	case kindSelect:
		if cmd.Capability != "select" {
			return 0, nil, errUnsupportedCapability
		}
		s, _ := cmd.Value.(string)
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.stringField(fieldState, s)
		return msgSelectCommand, w.bytesOut(), nil

	case kindFan:
		return encodeFanCommand(key, cmd)

	case kindCover:
		if cmd.Capability != "position" {
			return 0, nil, errUnsupportedCapability
		}
		v, err := asFloat32(cmd.Value)
		if err != nil {
			return 0, nil, err
		}
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.float32Field(fieldPosition, v/100)
		return msgCoverCommand, w.bytesOut(), nil

	case kindClimate:
		if cmd.Capability != "temperature" {
			return 0, nil, errUnsupportedCapability
		}
		v, err := asFloat32(cmd.Value)
		if err != nil {
			return 0, nil, err
		}
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.float32Field(fieldTargetTemp, v)
		return msgClimateCommand, w.bytesOut(), nil

	case kindLock:
		if cmd.Capability != "lock" {
			return 0, nil, errUnsupportedCapability
		}
		s, _ := cmd.Value.(string)
		var code uint64
		switch s {
		case "lock":
			code = 0
		case "unlock":
			code = 1
		case "open":
			code = 2
		default:
			return 0, nil, errUnsupportedCapability
		}
		w := fieldWriter{}
		w.varint(fieldKey, uint64(key))
		w.varint(fieldLockCommand, code)
		return msgLockCommand, w.bytesOut(), nil

	default:
		return 0, nil, errUnsupportedEntityType
	}
}

func encodeLightCommand(key uint32, cmd driver.Command) (int, []byte, error) {
	w := fieldWriter{}
	w.varint(fieldKey, uint64(key))
	switch cmd.Capability {
	case "on_off":
		on, _ := cmd.Value.(bool)
		w.boolField(fieldState, on)
	case "brightness":
		v, err := asFloat32(cmd.Value)
		if err != nil {
			return 0, nil, err
		}
		w.boolField(fieldState, true)
		w.float32Field(fieldBrightness, v/100)
	case "color_rgb":
		rgb, ok := cmd.Value.(map[string]any)
		if !ok {
			return 0, nil, errUnsupportedCapability
		}
		r, _ := asFloat32(rgb["r"])
		g, _ := asFloat32(rgb["g"])
		b, _ := asFloat32(rgb["b"])
		w.boolField(fieldState, true)
		w.float32Field(fieldRed, r/255)
		w.float32Field(fieldGreen, g/255)
		w.float32Field(fieldBlue, b/255)
	default:
		return 0, nil, errUnsupportedCapability
	}
	return msgLightCommand, w.bytesOut(), nil
}

func encodeFanCommand(key uint32, cmd driver.Command) (int, []byte, error) {
	w := fieldWriter{}
	w.varint(fieldKey, uint64(key))
	switch cmd.Capability {
	case "on_off":
		on, _ := cmd.Value.(bool)
		w.boolField(fieldState, on)
	case "speed":
		v, err := asFloat32(cmd.Value)
		if err != nil {
			return 0, nil, err
		}
		w.boolField(fieldState, true)
		w.float32Field(fieldSpeedLevel, v)
	default:
		return 0, nil, errUnsupportedCapability
	}
	return msgFanCommand, w.bytesOut(), nil
}

func asFloat32(v any) (float32, error) {
	switch n := v.(type) {
	case float64:
		return float32(n), nil
	case float32:
		return n, nil
	case int:
		return float32(n), nil
	default:
		return 0, fmt.Errorf("esphome: command value %v is not numeric", v)
	}
}
