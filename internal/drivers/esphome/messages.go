package esphome

// Message type catalog. Every type the handshake, entity enumeration,
// state routing, or command translation needs to recognize gets a
// number here; anything else still frames and resyncs correctly but is
// not decoded: decodeState reports it as unrecognized and no callback
// fires.
const (
	msgHelloRequest       = 1
	msgHelloResponse      = 2
	msgAuthRequest        = 3
	msgAuthResponse       = 4
	msgPingRequest        = 5
	msgPingResponse       = 6
	msgDisconnectRequest  = 7
	msgDisconnectResponse = 8

	msgDeviceInfoRequest  = 9
	msgDeviceInfoResponse = 10

	msgListEntitiesRequest         = 11
	msgListEntitiesBinarySensor    = 12
	msgListEntitiesCover           = 13
	msgListEntitiesFan             = 14
	msgListEntitiesLight           = 15
	msgListEntitiesSensor          = 16
	msgListEntitiesSwitch          = 17
	msgListEntitiesTextSensor      = 18
	msgListEntitiesNumber          = 19
	msgListEntitiesButton          = 20
	msgListEntitiesSelect          = 21
	msgListEntitiesClimate         = 22
	msgListEntitiesLock            = 23
	msgListEntitiesCamera          = 24
	msgListEntitiesOpaque          = 25
	msgListEntitiesDone            = 26

	msgSubscribeStatesRequest = 27

	msgBinarySensorState = 28
	msgCoverState        = 29
	msgFanState          = 30
	msgLightState        = 31
	msgSensorState       = 32
	msgSwitchState       = 33
	msgTextSensorState   = 34
	msgNumberState       = 35
	msgSelectState       = 36
	msgClimateState      = 37
	msgLockState         = 38
	msgOpaqueState       = 39

	msgSubscribeLogsRequest  = 40
	msgSubscribeLogsResponse = 41

	msgSwitchCommand   = 42
	msgLightCommand    = 43
	msgButtonCommand   = 44
	msgNumberCommand   = 45
	msgSelectCommand   = 46
	msgFanCommand      = 47
	msgCoverCommand    = 48
	msgClimateCommand  = 49
	msgLockCommand     = 50
)

// kindByListMessage maps a ListEntities*Response message type to the
// entity kind it describes. Kinds not in this table (opaque entities)
// are enumerated but never produce a normalized state.
var kindByListMessage = map[int]entityKind{
	msgListEntitiesBinarySensor: kindBinarySensor,
	msgListEntitiesCover:        kindCover,
	msgListEntitiesFan:          kindFan,
	msgListEntitiesLight:        kindLight,
	msgListEntitiesSensor:       kindSensor,
	msgListEntitiesSwitch:       kindSwitch,
	msgListEntitiesTextSensor:   kindTextSensor,
	msgListEntitiesNumber:       kindNumber,
	msgListEntitiesButton:       kindButton,
	msgListEntitiesSelect:       kindSelect,
	msgListEntitiesClimate:      kindClimate,
	msgListEntitiesLock:         kindLock,
	msgListEntitiesCamera:       kindCamera,
}

// stateMessageToKind maps each *StateResponse message type back to the
// kind that produced it, for decoding.
var stateMessageToKind = map[int]entityKind{
	msgBinarySensorState: kindBinarySensor,
	msgCoverState:        kindCover,
	msgFanState:          kindFan,
	msgLightState:        kindLight,
	msgSensorState:       kindSensor,
	msgSwitchState:       kindSwitch,
	msgTextSensorState:   kindTextSensor,
	msgNumberState:       kindNumber,
	msgSelectState:       kindSelect,
	msgClimateState:      kindClimate,
	msgLockState:         kindLock,
}

type entityKind string

const (
	kindBinarySensor entityKind = "binary_sensor"
	kindCover        entityKind = "cover"
	kindFan          entityKind = "fan"
	kindLight        entityKind = "light"
	kindSensor       entityKind = "sensor"
	kindSwitch       entityKind = "switch"
	kindTextSensor   entityKind = "text_sensor"
	kindNumber       entityKind = "number"
	kindButton       entityKind = "button"
	kindSelect       entityKind = "select"
	kindClimate      entityKind = "climate"
	kindLock         entityKind = "lock"
	kindCamera       entityKind = "camera"
	kindOpaque       entityKind = "opaque"
)

// Field numbers shared across the message bodies below.
const (
	fieldKey         = 1
	fieldName        = 2
	fieldObjectID    = 3
	fieldState       = 4
	fieldValue       = 4
	fieldBrightness  = 5
	fieldRed         = 6
	fieldGreen       = 7
	fieldBlue        = 8
	fieldUnit        = 5
	fieldPosition    = 5
	fieldSpeedLevel  = 5
	fieldTargetTemp  = 5
	fieldLockCommand = 5
	fieldPassword    = 1
	fieldClientInfo  = 1
	fieldAPIVersion  = 2
	fieldInvalidAuth = 1
	fieldVendor      = 2
	fieldModel       = 3
	fieldFirmware    = 4
)

func encodeHelloRequest(clientInfo string) []byte {
	w := fieldWriter{}
	w.stringField(fieldClientInfo, clientInfo)
	w.stringField(fieldAPIVersion, "1.0")
	return w.bytesOut()
}

func encodeAuthRequest(password string) []byte {
	w := fieldWriter{}
	w.stringField(fieldPassword, password)
	return w.bytesOut()
}

func decodeAuthResponse(payload []byte) (invalid bool, err error) {
	fs, err := parseFields(payload)
	if err != nil {
		return false, err
	}
	return fs.getBool(fieldInvalidAuth), nil
}

func decodeDeviceInfoResponse(payload []byte) (vendor, model, firmware string, err error) {
	fs, err := parseFields(payload)
	if err != nil {
		return "", "", "", err
	}
	return fs.getString(fieldVendor), fs.getString(fieldModel), fs.getString(fieldFirmware), nil
}

// listEntity is one decoded ListEntities*Response, before it is turned
// into an ESPHomeEntity with its deviceId-qualified entityId.
type listEntity struct {
	key      uint32
	name     string
	objectID string
	kind     entityKind
}

func decodeListEntity(msgType int, payload []byte) (listEntity, error) {
	fs, err := parseFields(payload)
	if err != nil {
		return listEntity{}, err
	}
	kind, ok := kindByListMessage[msgType]
	if !ok {
		kind = kindOpaque
	}
	return listEntity{
		key:      fs.getUint32(fieldKey),
		name:     fs.getString(fieldName),
		objectID: fs.getString(fieldObjectID),
		kind:     kind,
	}, nil
}

func encodeSubscribeStatesRequest() []byte { return nil }

// decodeState turns one *StateResponse payload into the normalized
// per-kind map described in the package doc, plus the key it belongs to.
func decodeState(msgType int, payload []byte) (key uint32, state map[string]any, ok bool) {
	kind, recognized := stateMessageToKind[msgType]
	if !recognized {
		return 0, nil, false
	}
	fs, err := parseFields(payload)
	if err != nil {
		return 0, nil, false
	}
	key = fs.getUint32(fieldKey)

	switch kind {
	case kindLight:
		state = map[string]any{
			"state":      fs.getBool(fieldState),
			"brightness": fs.getFloat32(fieldBrightness),
			"color": map[string]any{
				"r": fs.getFloat32(fieldRed),
				"g": fs.getFloat32(fieldGreen),
				"b": fs.getFloat32(fieldBlue),
			},
		}
	case kindSensor:
		state = map[string]any{
			"value": fs.getFloat32(fieldValue),
			"unit":  fs.getString(fieldUnit),
		}
	case kindTextSensor:
		state = map[string]any{"value": fs.getString(fieldValue)}
	case kindBinarySensor, kindSwitch, kindLock:
		state = map[string]any{"state": fs.getBool(fieldState)}
	case kindCover:
		state = map[string]any{
			"state":    fs.getBool(fieldState),
			"position": fs.getFloat32(fieldPosition),
		}
	case kindFan:
		state = map[string]any{
			"state":       fs.getBool(fieldState),
			"speed_level": fs.getFloat32(fieldSpeedLevel),
		}
	case kindNumber:
		state = map[string]any{"value": fs.getFloat32(fieldValue)}
	case kindSelect:
		state = map[string]any{"value": fs.getString(fieldValue)}
	case kindClimate:
		state = map[string]any{"target_temperature": fs.getFloat32(fieldTargetTemp)}
	default:
		return 0, nil, false
	}
	return key, state, true
}
