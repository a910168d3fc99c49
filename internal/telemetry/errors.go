package telemetry

import "errors"

var (
	// ErrDisabled indicates InfluxDB forwarding is disabled in config.
	ErrDisabled = errors.New("telemetry: influxdb forwarding disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("telemetry: influxdb connection failed")

	// ErrNotConnected indicates the forwarder is not connected.
	ErrNotConnected = errors.New("telemetry: not connected")
)
