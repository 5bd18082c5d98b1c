// Package machine holds the process-wide kinematic configuration and
// live state of the controlled axes: acceleration and feed limits,
// cycle time, workpiece offset, and the current setpoint/position/
// tracking-error triple shared between the FSM's publishing
// goroutine and the transport status callback.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/config"
	"github.com/cnc-go/ccnc/point"
	"github.com/cnc-go/ccnc/transport"
)

// Machine is the shared kinematic and live-state object. The FSM
// goroutine is the only writer of Setpoint; the status callback is
// the only writer of Position and Error — but both are read from the
// other side, so access goes through the mutex-guarded accessors
// below rather than direct field reads.
type Machine struct {
	Accel     float64
	CycleTime float64
	MaxError  float64
	FeedMax   float64
	RTPacing  float64
	Zero      point.Point
	Offset    point.Point

	mu       sync.RWMutex
	setpoint point.Point
	position point.Point
	trackErr float64

	client    *transport.Client
	pubTopic  string
	subTopic  string
	onMessage transport.Handler
}

// New builds a Machine from a decoded configuration. The setpoint and
// position both start at the configured zero.
func New(cfg config.CCNCConfig) *Machine {
	zero := point.New(cfg.Zero[0], cfg.Zero[1], cfg.Zero[2])
	offset := point.New(cfg.Offset[0], cfg.Offset[1], cfg.Offset[2])
	return &Machine{
		Accel:     cfg.A,
		CycleTime: cfg.Tq,
		MaxError:  cfg.MaxError,
		FeedMax:   cfg.FMax,
		RTPacing:  cfg.RTPacing,
		Zero:      zero,
		Offset:    offset,
		setpoint:  zero,
		position:  zero,
	}
}

// Connect establishes the pub/sub transport. If onMessage is nil, the
// default handler dispatches on the last slash-segment of the
// received topic.
func (m *Machine) Connect(ctx context.Context, cfg config.MQTTConfig, onMessage transport.Handler) error {
	c, err := transport.Connect(ctx, transport.Options{
		BrokerAddress: cfg.BrokerAddress,
		BrokerPort:    cfg.BrokerPort,
		ClientID:      "ccnc",
	})
	if err != nil {
		return err
	}
	m.client = c
	m.pubTopic = cfg.PubTopic
	m.subTopic = cfg.SubTopic
	if onMessage == nil {
		onMessage = m.defaultHandler
	}
	m.onMessage = onMessage
	return nil
}

// defaultHandler implements the dispatch rule from the external
// interfaces section: the status topic's last segment selects error
// or position parsing; anything else is logged.
func (m *Machine) defaultHandler(msg transport.Message) {
	segs := strings.Split(msg.Topic, "/")
	last := segs[len(segs)-1]
	switch last {
	case "error":
		v, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload)), 64)
		if err != nil {
			glog.Warningf("machine: bad error payload on %s: %v", msg.Topic, err)
			return
		}
		m.mu.Lock()
		m.trackErr = v
		m.mu.Unlock()
	case "position":
		parts := strings.Split(string(msg.Payload), ",")
		if len(parts) != 3 {
			glog.Warningf("machine: bad position payload on %s: %q", msg.Topic, msg.Payload)
			return
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		z, errZ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if errX != nil || errY != nil || errZ != nil {
			glog.Warningf("machine: bad position payload on %s: %q", msg.Topic, msg.Payload)
			return
		}
		m.mu.Lock()
		m.position = point.New(x, y, z)
		m.mu.Unlock()
	default:
		glog.Infof("machine: unhandled status topic %s", msg.Topic)
	}
}

type setpointWire struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Rapid bool    `json:"rapid"`
}

// Sync serialises the current setpoint plus workpiece offset as a
// single-line JSON object and publishes it on the setpoint topic.
func (m *Machine) Sync(rapid bool) error {
	m.mu.RLock()
	sp := m.setpoint
	off := m.Offset
	m.mu.RUnlock()
	wire := setpointWire{X: sp.X + off.X, Y: sp.Y + off.Y, Z: sp.Z + off.Z, Rapid: rapid}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("machine: encoding setpoint: %w", err)
	}
	if m.client == nil {
		return nil
	}
	if err := m.client.Publish(m.pubTopic, payload); err != nil {
		glog.Warningf("machine: publish dropped: %v", err)
	}
	return nil
}

// ListenStart seeds the tracking error to a value well above any
// tolerance (10x MaxError) so that a subsequent "within tolerance"
// test cannot spuriously succeed before a real update arrives, then
// subscribes to the status topic.
func (m *Machine) ListenStart(ctx context.Context) error {
	m.mu.Lock()
	m.trackErr = 10 * m.MaxError
	m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	return m.client.Subscribe(ctx, m.subTopic, m.onMessage)
}

// ListenStop unsubscribes from the status topic.
func (m *Machine) ListenStop() error {
	if m.client == nil {
		return nil
	}
	return m.client.Unsubscribe(m.subTopic)
}

// Disconnect flushes outbound traffic and closes the transport.
func (m *Machine) Disconnect() {
	if m.client != nil {
		m.client.Disconnect()
	}
}

// Setpoint returns the current commanded position.
func (m *Machine) Setpoint() point.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setpoint
}

// SetSetpoint overwrites the commanded position. Only the FSM
// goroutine calls this.
func (m *Machine) SetSetpoint(p point.Point) {
	m.mu.Lock()
	m.setpoint = p
	m.mu.Unlock()
}

// Position returns the last reported position.
func (m *Machine) Position() point.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// Error returns the current reported tracking error.
func (m *Machine) Error() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trackErr
}
