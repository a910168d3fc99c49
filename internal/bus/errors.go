package bus

import "errors"

// ErrClosed is returned by Subscribe/SubscribeErr after Close has torn
// down the bus.
var ErrClosed = errors.New("bus: closed")

// ErrInvalidTopic is returned when a topic or pattern is empty.
var ErrInvalidTopic = errors.New("bus: invalid topic")
