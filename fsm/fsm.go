// Package fsm drives the control loop: a 7-state machine, generated
// by hand here the way gv_fsm would generate it, with a state-
// function table and a separate state-transition-function table so
// that one-shot setup/teardown work (starting a rapid move, stopping
// the MQTT listener) stays out of the per-cycle state functions.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/block"
	"github.com/cnc-go/ccnc/machine"
	"github.com/cnc-go/ccnc/program"
)

// ErrOverrun is logged (not returned) when a control cycle takes
// longer than ten paced cycle periods; the loop continues on the
// next tick regardless.
var ErrOverrun = errors.New("fsm: control cycle overrun")

// State identifies one of the 7 control states.
type State int

const (
	StateInit State = iota
	StateIdle
	StateStop
	StateLoadBlock
	StateNoMotion
	StateRapidMotion
	StateInterpMotion
	numStates
)

// noChange is returned by a state function to mean "stay in the
// current state"; it is resolved to the current state before the
// transition table is consulted.
const noChange State = -1

var stateNames = [numStates]string{
	StateInit:         "init",
	StateIdle:         "idle",
	StateStop:         "stop",
	StateLoadBlock:    "load_block",
	StateNoMotion:     "no_motion",
	StateRapidMotion:  "rapid_motion",
	StateInterpMotion: "interp_motion",
}

func (s State) String() string {
	if s == noChange {
		return "no_change"
	}
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type stateFunc func(*FSM) (State, error)
type transitionFunc func(*FSM)

// FSM is the running controller: the current state, the program
// being executed and the machine it drives, plus the per-cycle and
// total-elapsed timers the original state functions print alongside
// every sample.
type FSM struct {
	Machine *machine.Machine
	Program *program.Program
	Out     io.Writer // position-table samples, one line per cycle
	Prog    io.Writer // progress/status messages

	// Commands delivers operator keypresses to the idle state: ' '
	// runs the program, 'q'/'Q' quits. A nil channel makes idle
	// auto-run immediately.
	Commands <-chan rune

	cur   State
	tBlk  float64
	tTot  float64

	ctx         context.Context
	exitRequest atomic.Bool
	overruns    int
}

// New builds an FSM in its initial state, ready for Run.
func New(m *machine.Machine, p *program.Program, out, prog io.Writer) *FSM {
	return &FSM{Machine: m, Program: p, Out: out, Prog: prog, cur: StateInit}
}

// RequestStop marks a pending interrupt request, mirroring the
// original's SIGINT handler: a request seen by a running rapid move is
// consumed and skips that move to the next block; a request seen in
// idle or interp_motion stops the loop.
func (f *FSM) RequestStop() {
	f.exitRequest.Store(true)
}

// State returns the FSM's current state.
func (f *FSM) State() State { return f.cur }

// Overruns returns how many control cycles exceeded the overrun
// budget of ten paced cycle periods.
func (f *FSM) Overruns() int { return f.overruns }

var stateTable = [numStates]stateFunc{
	StateInit:         (*FSM).doInit,
	StateIdle:         (*FSM).doIdle,
	StateStop:         (*FSM).doStop,
	StateLoadBlock:    (*FSM).doLoadBlock,
	StateNoMotion:     (*FSM).doNoMotion,
	StateRapidMotion:  (*FSM).doRapidMotion,
	StateInterpMotion: (*FSM).doInterpMotion,
}

var transitionTable = [numStates][numStates]transitionFunc{
	StateIdle:         {StateLoadBlock: (*FSM).reset},
	StateLoadBlock:    {StateRapidMotion: (*FSM).beginRapid, StateInterpMotion: (*FSM).beginInterp},
	StateRapidMotion:  {StateLoadBlock: (*FSM).endRapid},
	StateInterpMotion: {StateLoadBlock: (*FSM).endInterp},
}

// Run drives the control loop, one cycle per tick of the machine's
// cycle time scaled by its real-time pacing factor, until the state
// machine reaches stop or ctx is cancelled.
func (f *FSM) Run(ctx context.Context) error {
	f.ctx = ctx
	pacing := f.Machine.RTPacing
	if pacing <= 0 {
		pacing = 1
	}
	period := time.Duration(f.Machine.CycleTime / pacing * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}
	budget := 10 * period
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for f.cur != StateStop {
		select {
		case <-ctx.Done():
			f.doStop()
			return ctx.Err()
		case start := <-tickerC(ticker):
			if err := f.step(); err != nil {
				return err
			}
			if elapsed := time.Since(start); elapsed > budget {
				f.overruns++
				glog.Warningf("%v: cycle took %v, budget %v", ErrOverrun, elapsed, budget)
			}
		}
	}
	return nil
}

// tickerC hands back the tick time itself so Run can measure how long
// the step took against the cycle budget.
func tickerC(t *time.Ticker) <-chan time.Time { return t.C }

// Step runs exactly one control cycle by hand, outside the paced
// Run loop: useful for driving the machine deterministically in
// tests.
func (f *FSM) Step() error { return f.step() }

// step runs exactly one ccnc_run_state cycle: the current state's
// function, then (if the state changed) the matching transition
// function.
func (f *FSM) step() error {
	next, err := stateTable[f.cur](f)
	if err != nil {
		return fmt.Errorf("fsm: state %s: %w", f.cur, err)
	}
	if next == noChange {
		next = f.cur
	}
	if next != f.cur {
		if fn := transitionTable[f.cur][next]; fn != nil {
			fn(f)
		}
	}
	f.cur = next
	return nil
}

// doInit stops if no program (or an empty one) was loaded, and
// otherwise syncs the setpoint to machine zero. It does not connect
// the transport or parse the program: both are done before the FSM is
// built (see cmd/ccnc).
func (f *FSM) doInit() (State, error) {
	glog.Infof("fsm: in state init")
	if f.Program == nil || f.Program.Len() == 0 {
		return StateStop, nil
	}
	f.Machine.SetSetpoint(f.Machine.Zero)
	if err := f.Machine.Sync(true); err != nil {
		glog.Warningf("fsm: init sync: %v", err)
	}
	return StateIdle, nil
}

// doIdle waits for an operator command (or auto-runs, if Commands is
// nil) and resets the block/total timers.
func (f *FSM) doIdle() (State, error) {
	glog.Infof("fsm: in state idle")
	next := noChange
	if f.Commands == nil {
		next = StateLoadBlock
	} else {
		select {
		case key := <-f.Commands:
			switch key {
			case ' ':
				next = StateLoadBlock
			case 'q', 'Q':
				next = StateStop
			}
		default:
		}
	}
	f.tBlk, f.tTot = 0, 0
	if f.exitRequest.Load() {
		next = StateStop
	}
	return next, nil
}

// doStop disconnects the transport and stops listening; it always
// stays in stop.
func (f *FSM) doStop() (State, error) {
	glog.Infof("fsm: in state stop")
	f.Machine.Disconnect()
	return noChange, nil
}

// doLoadBlock advances the program cursor and routes to the state
// matching the new block's motion type.
func (f *FSM) doLoadBlock() (State, error) {
	glog.Infof("fsm: in state load_block")
	b := f.Program.Next()
	if b == nil {
		return StateIdle, nil
	}
	glog.Infof("fsm: %s", b)
	f.tTot += f.Machine.CycleTime
	switch b.Type {
	case block.NoMotion:
		return StateNoMotion, nil
	case block.Rapid:
		return StateRapidMotion, nil
	case block.Line, block.ArcCW, block.ArcCCW:
		return StateInterpMotion, nil
	default:
		return StateIdle, nil
	}
}

// doNoMotion accounts one cycle for a dwell/tool-change block with no
// physical motion, then returns to load the next block.
func (f *FSM) doNoMotion() (State, error) {
	b := f.Program.Current()
	glog.Infof("fsm: in state no_motion, block %d", b.Number)
	f.tTot += f.Machine.CycleTime
	return StateLoadBlock, nil
}

// doRapidMotion syncs the full target to the machine every cycle and
// waits until the tracking error falls below the configured
// tolerance, or until the operator skips/aborts the move.
func (f *FSM) doRapidMotion() (State, error) {
	next := noChange
	b := f.Program.Current()
	if err := f.Machine.Sync(true); err != nil {
		glog.Warningf("fsm: rapid sync: %v", err)
	}
	if f.Machine.Error() < f.Machine.MaxError {
		next = StateLoadBlock
	}
	if f.exitRequest.Load() {
		f.exitRequest.Store(false)
		next = StateLoadBlock
	}
	pos := f.Machine.Position()
	fmt.Fprintf(f.Out, "%d %d %f %f %f %f %f %f %f %f\n",
		b.Number, b.Type, f.tTot, f.tBlk, 0.0, 0.0, 0.0, pos.X, pos.Y, pos.Z)
	if b.Length > 0 {
		fmt.Fprintf(f.Prog, "[%5.1f%%]\n", f.Machine.Error()/b.Length*100)
	}
	f.tBlk += f.Machine.CycleTime
	f.tTot += f.Machine.CycleTime
	if f.exitRequest.Load() {
		next = StateStop
	}
	return next, nil
}

// doInterpMotion computes the time-parameterised setpoint for the
// current block and syncs it, advancing to load_block once the
// block's planned duration has elapsed.
func (f *FSM) doInterpMotion() (State, error) {
	next := noChange
	b := f.Program.Current()
	lambda, feed := b.Lambda(f.tBlk)
	sp := b.Interpolate(lambda)
	f.Machine.SetSetpoint(sp)
	fmt.Fprintf(f.Out, "%d %d %f %f %f %f %f %f %f %f\n",
		b.Number, b.Type, f.tTot, f.tBlk, lambda, lambda*b.Length, feed, sp.X, sp.Y, sp.Z)
	fmt.Fprintf(f.Prog, "[%5.1f%%]\n", lambda*100)
	if err := f.Machine.Sync(false); err != nil {
		glog.Warningf("fsm: interp sync: %v", err)
	}
	if f.tBlk >= b.Profile.Dt+f.Machine.CycleTime/10 {
		next = StateLoadBlock
	}
	f.tBlk += f.Machine.CycleTime
	f.tTot += f.Machine.CycleTime
	if f.exitRequest.Load() {
		next = StateStop
	}
	return next, nil
}

// reset zeroes both timers and writes the sample header; it runs on
// idle -> load_block.
func (f *FSM) reset() {
	f.tBlk, f.tTot = 0, 0
	fmt.Fprintln(f.Out, "n type t_tot t_blk lambda s feed x y z")
}

// beginRapid starts listening for status updates and pushes the full
// target as the new setpoint; it runs on load_block -> rapid_motion.
func (f *FSM) beginRapid() {
	b := f.Program.Current()
	f.tBlk = 0
	if err := f.Machine.ListenStart(f.ctx); err != nil {
		glog.Warningf("fsm: listen_start: %v", err)
	}
	f.Machine.SetSetpoint(b.Target)
	if err := f.Machine.Sync(true); err != nil {
		glog.Warningf("fsm: begin_rapid sync: %v", err)
	}
	fmt.Fprintf(f.Prog, "rapid block length: %f\n", b.Length)
}

// beginInterp resets the block timer; it runs on load_block ->
// interp_motion.
func (f *FSM) beginInterp() {
	f.tBlk = 0
}

// endRapid stops listening for status updates; it runs on
// rapid_motion -> load_block.
func (f *FSM) endRapid() {
	if err := f.Machine.ListenStop(); err != nil {
		glog.Warningf("fsm: listen_stop: %v", err)
	}
}

// endInterp is a no-op placeholder matching the original transition,
// kept for symmetry with endRapid.
func (f *FSM) endInterp() {}
