// Package axis implements the single-axis plant model and PID
// controller: a detached goroutine integrates the axis's simulated
// position forward in time while other goroutines (in cmd/ccnc-sim,
// the MQTT setpoint handler and the status reporter) write new
// setpoints and read back torque/position/speed through
// mutex-guarded accessors.
package axis

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/config"
)

// Axis is one simulated linear axis: PID controller plus the
// second-order (position and speed) plant it drives. The goroutine
// started by Run is the sole writer of time/position/speed/torque/
// err_i/err_d once running; the setpoint is written and the state is
// read from other goroutines, so all access to the shared fields goes
// through the mutex below.
type Axis struct {
	Name string

	length    float64
	friction  float64
	mass      float64
	maxTorque float64
	pitch     float64
	gravity   float64
	p, i, d   float64
	dt        time.Duration

	linked *Axis

	mu            sync.Mutex
	effectiveMass float64
	t0            time.Time
	simTime       float64
	position      float64
	speed         float64
	setpoint      float64
	torque        float64
	errI, errD    float64
	prevError     float64
	prevTime      float64

	stop chan struct{}
}

// New builds an Axis from its per-axis configuration section.
func New(name string, cfg config.AxisConfig) *Axis {
	a := &Axis{
		Name:      name,
		length:    cfg.Length,
		friction:  cfg.Friction,
		mass:      cfg.Mass,
		maxTorque: cfg.MaxTorque,
		pitch:     cfg.Pitch,
		gravity:   cfg.Gravity,
		p:         cfg.P,
		i:         cfg.I,
		d:         cfg.D,
		dt:        time.Duration(cfg.IntegrationDt) * time.Microsecond,
	}
	a.effectiveMass = a.mass
	if a.dt <= 0 {
		a.dt = time.Millisecond
	}
	return a
}

// Link chains slave's effective mass onto this axis, mirroring a
// gantry where one axis's motor also has to move the axis(es) mounted
// on it.
func (a *Axis) Link(slave *Axis) {
	a.linked = slave
	a.effectiveMass = a.mass + slave.effectiveMass
}

// Reset zeroes the axis's dynamic state at the given starting
// position, as if the axis were just created.
func (a *Axis) Reset(position float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
	a.t0 = time.Now()
	a.simTime = 0
	a.prevTime = 0
	a.prevError = a.setpoint - a.position
	a.speed = 0
	a.errI, a.errD = 0, 0
}

// SetSetpoint assigns the target position for the PID loop.
func (a *Axis) SetSetpoint(v float64) {
	a.mu.Lock()
	a.setpoint = v
	a.mu.Unlock()
}

// Position returns the axis's current simulated position.
func (a *Axis) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Speed returns the axis's current simulated speed.
func (a *Axis) Speed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

// Torque returns the axis's last-computed drive torque.
func (a *Axis) Torque() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.torque
}

// TrackingError returns setpoint minus position.
func (a *Axis) TrackingError() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setpoint - a.position
}

// pid recomputes torque from the current setpoint/position error,
// clamped to +/- maxTorque. Must be called with mu held.
func (a *Axis) pid(now float64) {
	err := a.setpoint - a.position
	dt := now - a.prevTime
	if a.i != 0 {
		a.errI += (err + a.prevError) * dt / 2
	}
	if a.d != 0 && dt > 0 {
		a.errD = (err - a.prevError) / dt
	}
	a.prevError = err
	a.prevTime = now
	out := a.p*err + a.i*a.errI + a.d*a.errD
	if out > 0 {
		a.torque = math.Min(out, a.maxTorque)
	} else {
		a.torque = math.Max(out, -a.maxTorque)
	}
}

// forwardIntegrate advances the plant to time t (seconds since Reset),
// clamping position to [0, length] and resetting the integral/
// derivative error terms on a travel-limit hit, as the axis would if
// it struck a hard stop.
func (a *Axis) forwardIntegrate(t float64) {
	dt := t - a.simTime
	m := a.effectiveMass
	f := math.Pi*a.torque/a.pitch - a.gravity*a.mass*a.pitch
	a.simTime = t
	a.position += a.speed * dt
	a.speed = a.speed*(1-a.friction/m*dt) + f*dt/m
	if a.position < 0 || a.position > a.length {
		a.speed = 0
		if a.position < 0 {
			a.position = 0
		} else {
			a.position = a.length
		}
		a.errI, a.errD = 0, 0
	}
}

// Run starts the PID+integration loop in a detached goroutine, paced
// by the axis's configured integration step, and returns immediately.
// The loop stops when ctx is cancelled or Stop is called.
func (a *Axis) Run(ctx context.Context) {
	a.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.dt)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				glog.Infof("axis %s: stopping (context)", a.Name)
				return
			case <-a.stop:
				glog.Infof("axis %s: stopping", a.Name)
				return
			case <-ticker.C:
				a.mu.Lock()
				t := time.Since(a.t0).Seconds()
				a.pid(t)
				a.forwardIntegrate(t)
				a.mu.Unlock()
			}
		}
	}()
}

// Stop requests the integration goroutine started by Run to exit.
func (a *Axis) Stop() {
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
}
