// Command ccnc-sim stands in for the physical machine: it runs three
// linked axes (gantry-style, X carrying Y carrying Z), drives them
// from setpoints published by cmd/ccnc over MQTT, and reports back
// tracking error and position on the status topics, optionally
// logging every sample to a CSV file.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/axis"
	"github.com/cnc-go/ccnc/config"
	"github.com/cnc-go/ccnc/transport"
)

type setpointWire struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Rapid bool    `json:"rapid"`
}

func main() {
	defer glog.Flush()

	if len(os.Args) != 2 && len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: ccnc-sim <machine.ini> [log.csv]")
		os.Exit(1)
	}
	iniPath := os.Args[1]
	logPath := ""
	if len(os.Args) == 3 {
		logPath = os.Args[2]
	}

	cfg, err := config.Load(iniPath)
	if err != nil {
		glog.Exitf("ccnc-sim: loading %s: %v", iniPath, err)
	}

	ax := axis.New("X", cfg.X)
	ay := axis.New("Y", cfg.Y)
	az := axis.New("Z", cfg.Z)
	ay.Link(az)
	ax.Link(ay)
	ax.Reset(0)
	ay.Reset(0)
	az.Reset(0)

	var logw *csv.Writer
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			glog.Exitf("ccnc-sim: creating log file %s: %v", logPath, err)
		}
		defer f.Close()
		logw = csv.NewWriter(f)
		defer logw.Flush()
		logw.Write([]string{"t", "qx", "x", "vx", "qy", "y", "vy", "qz", "z", "vz", "delta", "rapid"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT)
	go func() {
		<-sigc
		cancel()
	}()

	subTopic := cfg.MQTT.PubTopic
	statusBase := strings.TrimSuffix(cfg.MQTT.SubTopic, "#")
	errTopic := statusBase + "error"
	posTopic := statusBase + "position"

	rapid := false
	onMessage := func(msg transport.Message) {
		var wire setpointWire
		if err := json.Unmarshal(msg.Payload, &wire); err != nil {
			glog.Warningf("ccnc-sim: bad setpoint payload: %v", err)
			return
		}
		ax.SetSetpoint(wire.X)
		ay.SetSetpoint(wire.Y)
		az.SetSetpoint(wire.Z)
		rapid = wire.Rapid
	}

	client, err := transport.Connect(ctx, transport.Options{
		BrokerAddress: cfg.MQTT.BrokerAddress,
		BrokerPort:    cfg.MQTT.BrokerPort,
		ClientID:      "ccnc-sim",
	})
	if err != nil {
		glog.Warningf("ccnc-sim: connect: %v (running without transport)", err)
		client = nil
	} else {
		defer client.Disconnect()
		if err := client.Subscribe(ctx, subTopic, onMessage); err != nil {
			glog.Warningf("ccnc-sim: subscribe %s: %v", subTopic, err)
		}
	}

	ax.Run(ctx)
	ay.Run(ctx)
	az.Run(ctx)
	defer ax.Stop()
	defer ay.Stop()
	defer az.Stop()

	fmt.Println("        t        qx        x         vx        qy        y         vy        qz        z         vz        d  r")

	period := time.Duration(cfg.CCNC.Tq * 10 * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nexiting...")
			return
		case now := <-ticker.C:
			report(now.Sub(start).Seconds(), client, errTopic, posTopic, ax, ay, az, rapid, logw)
		}
	}
}

func report(t float64, client *transport.Client, errTopic, posTopic string, ax, ay, az *axis.Axis, rapid bool, logw *csv.Writer) {
	x, sx := ax.Position(), ax.Position()+ax.TrackingError()
	y, sy := ay.Position(), ay.Position()+ay.TrackingError()
	z, sz := az.Position(), az.Position()+az.TrackingError()
	dx, dy, dz := x-sx, y-sy, z-sz
	delta := math.Sqrt(dx*dx + dy*dy + dz*dz)

	rFlag := "I"
	if rapid {
		rFlag = "R"
	}
	fmt.Printf("\r%9.4f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %9.3f %s",
		t, ax.Torque(), x, ax.Speed(), ay.Torque(), y, ay.Speed(),
		az.Torque(), z, az.Speed(), delta, rFlag)

	if logw != nil {
		logw.Write([]string{
			fmtFloat(t), fmtFloat(ax.Torque()), fmtFloat(x), fmtFloat(ax.Speed()),
			fmtFloat(ay.Torque()), fmtFloat(y), fmtFloat(ay.Speed()),
			fmtFloat(az.Torque()), fmtFloat(z), fmtFloat(az.Speed()),
			fmtFloat(delta), rFlag,
		})
		logw.Flush()
	}

	if client != nil {
		if err := client.Publish(errTopic, []byte(fmtFloat(delta))); err != nil {
			glog.Warningf("ccnc-sim: publish error: %v", err)
		}
		payload := fmt.Sprintf("%s,%s,%s", fmtFloat(x), fmtFloat(y), fmtFloat(z))
		if err := client.Publish(posTopic, []byte(payload)); err != nil {
			glog.Warningf("ccnc-sim: publish position: %v", err)
		}
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
