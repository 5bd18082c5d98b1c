package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
[C-CNC]
A = 100.0
tq = 0.005
max_error = 0.02
fmax = 10000.0
rt_pacing = 0.25
zero = [0.0, 0.0, 0.0]
offset = [0.0, 0.0, 0.0]

[MQTT]
broker_address = "localhost"
broker_port = 1883
pub_topic = "c-cnc/setpoint"
sub_topic = "c-cnc/status/#"

[X]
length = 500
mass = 1000
friction = 100
max_torque = 10
pitch = 0.1
gravity = 0.0
p = 1000
i = 0
d = 0
integration_dt = 1000
`

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CCNC.A != 100 || cfg.CCNC.Tq != 0.005 {
		t.Errorf("CCNC = %+v, unexpected", cfg.CCNC)
	}
	if cfg.MQTT.BrokerPort != 1883 {
		t.Errorf("MQTT.BrokerPort = %d, want 1883", cfg.MQTT.BrokerPort)
	}
	// Y/Z sections are absent; defaults should apply.
	if cfg.Y.Mass != 1000 {
		t.Errorf("Y.Mass = %v, want default 1000", cfg.Y.Mass)
	}
}

func TestLoadMissingSection(t *testing.T) {
	path := writeTemp(t, `[MQTT]
broker_address = "localhost"
broker_port = 1883
pub_topic = "a"
sub_topic = "b"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Load() error = %v, want ErrConfigMissing", err)
	}
}

func TestLoadMalformedTq(t *testing.T) {
	path := writeTemp(t, `[C-CNC]
A = 100.0
tq = 2.0
max_error = 0.02
fmax = 10000.0
rt_pacing = 0.25

[MQTT]
broker_address = "localhost"
broker_port = 1883
pub_topic = "a"
sub_topic = "b"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrConfigMalformed) {
		t.Fatalf("Load() error = %v, want ErrConfigMalformed", err)
	}
}
