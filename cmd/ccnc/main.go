// Command ccnc runs the motion controller end to end: it loads a
// machine configuration, parses a G-code program, connects to the
// MQTT broker, and drives the FSM control loop until the program
// finishes or the operator interrupts it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/block"
	"github.com/cnc-go/ccnc/config"
	"github.com/cnc-go/ccnc/fsm"
	"github.com/cnc-go/ccnc/machine"
	"github.com/cnc-go/ccnc/program"
)

func main() {
	defer glog.Flush()

	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: ccnc <program.gcode> <machine.ini>")
		os.Exit(1)
	}
	progFile := os.Args[1]
	iniPath := os.Args[2]

	cfg, err := config.Load(iniPath)
	if err != nil {
		glog.Exitf("ccnc: loading %s: %v", iniPath, err)
	}

	m := machine.New(cfg.CCNC)
	lim := block.Limits{
		Accel:     cfg.CCNC.A,
		CycleTime: cfg.CCNC.Tq,
		MaxError:  cfg.CCNC.MaxError,
		FeedMax:   cfg.CCNC.FMax,
		Zero:      m.Zero,
	}

	p, err := program.Parse(progFile, lim)
	if err != nil {
		glog.Exitf("ccnc: parsing %s: %v", progFile, err)
	}
	fmt.Fprintf(os.Stderr, "current program: %s\n", progFile)
	if err := p.Print(os.Stderr); err != nil {
		glog.Warningf("ccnc: printing program: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Connect(ctx, cfg.MQTT, nil); err != nil {
		glog.Exitf("ccnc: connect: %v", err)
	}

	f := fsm.New(m, p, os.Stdout, os.Stderr)

	commands := make(chan rune)
	f.Commands = commands
	go readKeys(ctx, commands)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT)
	go func() {
		for range sigc {
			f.RequestStop()
		}
	}()

	if err := f.Run(ctx); err != nil {
		glog.Warningf("ccnc: run: %v", err)
	}
	if n := f.Overruns(); n > 0 {
		glog.Warningf("ccnc: %d control cycle(s) overran their budget", n)
	}
}

// readKeys feeds single keypresses from stdin to the FSM's idle
// state, one rune at a time, until ctx is cancelled or stdin closes.
func readKeys(ctx context.Context, out chan<- rune) {
	r := bufio.NewReader(os.Stdin)
	for {
		ch, _, err := r.ReadRune()
		if err != nil {
			return
		}
		select {
		case out <- ch:
		case <-ctx.Done():
			return
		}
	}
}
