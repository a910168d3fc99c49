package esphome

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/homehub/internal/apperror"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
)

type connState int

const (
	stateDisconnected connState = iota
	stateTCPConnecting
	stateHello
	stateAuthenticating
	stateLive
)

const (
	handshakeTimeout = 5 * time.Second
	missedPingLimit  = 3
)

// ESPHomeEntity is one enumerated entity on a connected device, keyed by
// the driver-assigned 32-bit key used to correlate state updates.
type ESPHomeEntity struct {
	Key      uint32
	Name     string
	ObjectID string
	Kind     entityKind
	EntityID string
}

// connection owns one device's TCP session: handshake, ping loop, entity
// table, and the per-entity callback table state updates are dispatched
// through. The daemon never reaches into this struct directly; it only
// calls through the driver's public methods.
type connection struct {
	deviceID string
	address  string
	password string

	pingInterval      time.Duration
	reconnectEnabled  bool
	reconnectInterval time.Duration

	logger *logging.Logger

	mu    sync.Mutex
	state connState
	conn  net.Conn

	writeMu sync.Mutex

	entitiesMu   sync.RWMutex
	byKey        map[uint32]*ESPHomeEntity
	byEntityID   map[string]*ESPHomeEntity

	callbacksMu sync.RWMutex
	callbacks   map[string]driver.StateCallback

	helloCh        chan struct{}
	authCh         chan bool
	entitiesDoneCh chan struct{}

	missedPings int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newConnection(deviceID, address, password string, pingInterval, reconnectInterval time.Duration, reconnect bool, logger *logging.Logger) *connection {
	return &connection{
		deviceID:          deviceID,
		address:           address,
		password:          password,
		pingInterval:      pingInterval,
		reconnectEnabled:  reconnect,
		reconnectInterval: reconnectInterval,
		logger:            logger,
		byKey:             make(map[uint32]*ESPHomeEntity),
		byEntityID:        make(map[string]*ESPHomeEntity),
		callbacks:         make(map[string]driver.StateCallback),
		stopCh:            make(chan struct{}),
	}
}

// connect runs the full handshake state machine synchronously:
// Disconnected → TcpConnecting → Hello → Authenticating → Live.
func (c *connection) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	c.setState(stateTCPConnecting)
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		c.setState(stateDisconnected)
		return fmt.Errorf("esphome: dial %s: %w", c.address, err)
	}
	c.conn = conn

	c.helloCh = make(chan struct{}, 1)
	c.authCh = make(chan bool, 1)
	c.entitiesDoneCh = make(chan struct{}, 1)

	c.wg.Add(1)
	go c.readLoop()

	c.setState(stateHello)
	if err := c.send(msgHelloRequest, encodeHelloRequest("homehubd")); err != nil {
		return c.failHandshake(err)
	}
	select {
	case <-c.helloCh:
	case <-time.After(handshakeTimeout):
		return c.failHandshake(fmt.Errorf("esphome: hello timeout"))
	case <-ctx.Done():
		return c.failHandshake(ctx.Err())
	}

	c.setState(stateAuthenticating)
	if err := c.send(msgAuthRequest, encodeAuthRequest(c.password)); err != nil {
		return c.failHandshake(err)
	}
	select {
	case invalid := <-c.authCh:
		if invalid {
			return c.failHandshake(fmt.Errorf("%w: esphome: authentication rejected", apperror.ErrDriverFatal))
		}
	case <-time.After(handshakeTimeout):
		return c.failHandshake(fmt.Errorf("esphome: auth timeout"))
	case <-ctx.Done():
		return c.failHandshake(ctx.Err())
	}

	c.setState(stateLive)
	c.wg.Add(1)
	go c.pingLoop()

	if err := c.send(msgDeviceInfoRequest, nil); err != nil {
		c.logger.Warn("device info request failed", "device_id", c.deviceID, "error", err)
	}
	if err := c.send(msgListEntitiesRequest, nil); err != nil {
		return fmt.Errorf("esphome: listing entities: %w", err)
	}
	select {
	case <-c.entitiesDoneCh:
	case <-time.After(handshakeTimeout * 2):
		return fmt.Errorf("esphome: list entities timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.send(msgSubscribeStatesRequest, encodeSubscribeStatesRequest())
}

func (c *connection) failHandshake(err error) error {
	c.setState(stateDisconnected)
	c.closeConn()
	return err
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) send(msgType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("esphome: not connected")
	}
	return writeFrame(c.conn, msgType, payload)
}

func (c *connection) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// disconnect tears down this device's session and stops its loops.
func (c *connection) disconnect() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.setState(stateDisconnected)
	c.closeConn()
	c.wg.Wait()
}

func (c *connection) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.currentState() != stateLive {
				return
			}
			c.missedPings++
			if c.missedPings >= missedPingLimit {
				c.logger.Warn("esphome device missed pings, disconnecting", "device_id", c.deviceID)
				c.closeConn()
				return
			}
			if err := c.send(msgPingRequest, nil); err != nil {
				c.logger.Warn("ping send failed", "device_id", c.deviceID, "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *connection) readLoop() {
	defer c.wg.Done()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	reader := newFrameReader(conn)
	for {
		f, err := reader.readFrame()
		if err != nil {
			if c.currentState() != stateDisconnected {
				c.logger.Warn("esphome connection read failed", "device_id", c.deviceID, "error", err)
			}
			c.setState(stateDisconnected)
			return
		}
		c.dispatch(f)
	}
}

func (c *connection) dispatch(f frame) {
	switch {
	case f.msgType == msgHelloResponse:
		select {
		case c.helloCh <- struct{}{}:
		default:
		}
	case f.msgType == msgAuthResponse:
		invalid, err := decodeAuthResponse(f.payload)
		if err != nil {
			invalid = true
		}
		select {
		case c.authCh <- invalid:
		default:
		}
	case f.msgType == msgPingResponse:
		c.missedPings = 0
	case f.msgType == msgListEntitiesDone:
		select {
		case c.entitiesDoneCh <- struct{}{}:
		default:
		}
	case f.msgType >= msgListEntitiesBinarySensor && f.msgType <= msgListEntitiesOpaque:
		c.onListEntity(f)
	default:
		if kind, ok := stateMessageToKind[f.msgType]; ok {
			_ = kind
			c.onState(f)
		}
	}
}

func (c *connection) onListEntity(f frame) {
	le, err := decodeListEntity(f.msgType, f.payload)
	if err != nil {
		c.logger.Warn("decoding list entity failed", "device_id", c.deviceID, "error", err)
		return
	}
	entityID := c.deviceID + ":" + le.objectID
	entity := &ESPHomeEntity{Key: le.key, Name: le.name, ObjectID: le.objectID, Kind: le.kind, EntityID: entityID}
	c.entitiesMu.Lock()
	c.byKey[le.key] = entity
	c.byEntityID[entityID] = entity
	c.entitiesMu.Unlock()
}

func (c *connection) onState(f frame) {
	key, state, ok := decodeState(f.msgType, f.payload)
	if !ok {
		return
	}
	c.entitiesMu.RLock()
	entity, known := c.byKey[key]
	c.entitiesMu.RUnlock()
	if !known {
		return
	}
	c.callbacksMu.RLock()
	cb, subscribed := c.callbacks[entity.EntityID]
	c.callbacksMu.RUnlock()
	if subscribed {
		cb(entity.EntityID, state)
	}
}

// entities returns a snapshot of every entity enumerated so far.
func (c *connection) entities() []*ESPHomeEntity {
	c.entitiesMu.RLock()
	defer c.entitiesMu.RUnlock()
	out := make([]*ESPHomeEntity, 0, len(c.byEntityID))
	for _, e := range c.byEntityID {
		out = append(out, e)
	}
	return out
}

func (c *connection) entityByID(entityID string) (*ESPHomeEntity, bool) {
	c.entitiesMu.RLock()
	defer c.entitiesMu.RUnlock()
	e, ok := c.byEntityID[entityID]
	return e, ok
}

func (c *connection) subscribe(entityID string, cb driver.StateCallback) driver.Unsubscribe {
	c.callbacksMu.Lock()
	c.callbacks[entityID] = cb
	c.callbacksMu.Unlock()
	return func() {
		c.callbacksMu.Lock()
		delete(c.callbacks, entityID)
		c.callbacksMu.Unlock()
	}
}
