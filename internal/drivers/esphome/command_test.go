package esphome

import (
	"testing"

	"github.com/nerrad567/homehub/internal/driver"
)

func TestEncodeCommandSwitchOnOff(t *testing.T) {
	msgType, payload, err := encodeCommand(kindSwitch, 7, driver.Command{Capability: "on_off", Value: true})
	if err != nil {
		t.Fatalf("encodeCommand: %v", err)
	}
	if msgType != msgSwitchCommand {
		t.Fatalf("msgType = %d, want %d", msgType, msgSwitchCommand)
	}
	fs, err := parseFields(payload)
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if fs.getUint32(fieldKey) != 7 {
		t.Errorf("key = %d, want 7", fs.getUint32(fieldKey))
	}
	if !fs.getBool(fieldState) {
		t.Errorf("state = false, want true")
	}
}

func TestEncodeCommandLightBrightnessScalesToUnitInterval(t *testing.T) {
	_, payload, err := encodeCommand(kindLight, 1, driver.Command{Capability: "brightness", Value: float64(50)})
	if err != nil {
		t.Fatalf("encodeCommand: %v", err)
	}
	fs, err := parseFields(payload)
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if got := fs.getFloat32(fieldBrightness); got != 0.5 {
		t.Errorf("brightness = %v, want 0.5", got)
	}
}

func TestEncodeCommandUnsupportedEntityType(t *testing.T) {
	_, _, err := encodeCommand(entityKind("vacuum"), 1, driver.Command{Capability: "on_off", Value: true})
	if err != errUnsupportedEntityType {
		t.Fatalf("err = %v, want errUnsupportedEntityType", err)
	}
}

func TestEncodeCommandUnsupportedCapability(t *testing.T) {
	_, _, err := encodeCommand(kindSwitch, 1, driver.Command{Capability: "brightness", Value: true})
	if err != errUnsupportedCapability {
		t.Fatalf("err = %v, want errUnsupportedCapability", err)
	}
}

func TestEncodeCommandLockTranslatesWordsToCodes(t *testing.T) {
	for word, want := range map[string]uint64{"lock": 0, "unlock": 1, "open": 2} {
		_, payload, err := encodeCommand(kindLock, 3, driver.Command{Capability: "lock", Value: word})
		if err != nil {
			t.Fatalf("encodeCommand(%q): %v", word, err)
		}
		fs, err := parseFields(payload)
		if err != nil {
			t.Fatalf("parseFields: %v", err)
		}
		if got := fs.varints[fieldLockCommand]; got != want {
			t.Errorf("lock command %q = %d, want %d", word, got, want)
		}
	}
}
