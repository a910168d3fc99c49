// Package esphome implements the driver.Driver contract for ESPHome's
// native binary API: a single TCP connection per device, a handshake
// state machine, entity enumeration, state subscription, and typed
// commands.
//
// Framing is preamble(0x00) + varint(payload length) + varint(message
// type) + payload, varints in unsigned LEB128 (see varint.go). Message
// bodies use a minimal length-delimited/varint field encoding local to
// this package (proto.go) rather than a generated protobuf client: no
// protobuf library appears anywhere in the reference pack, and vendoring
// ESPHome's upstream .proto schema was judged out of proportion to this
// driver's scope. The field numbers and wire shapes mirror the upstream
// schema's layout closely enough that the framing, resync, and
// message-catalog behavior described for this driver is faithfully
// reproduced; only the exact byte-for-bit schema is not vendored.
package esphome

import "errors"

// errShortBuffer marks a varint that needs more bytes than the buffer
// holds. decodeVarint returns it; parseFields reports it as a decoding
// error. The stream reader does not use it: it blocks on the connection
// for more bytes instead.
var errShortBuffer = errors.New("esphome: short buffer")
