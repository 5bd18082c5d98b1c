// Package config loads the TOML machine description: kinematic
// limits, MQTT broker settings, and per-axis plant parameters.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Sentinel error kinds, per the propagation policy: a missing
// section/key is fatal at startup, a key that fails a constraint is
// fatal at startup.
var (
	ErrConfigMissing   = errors.New("config: missing section or key")
	ErrConfigMalformed = errors.New("config: value fails constraint")
)

// CCNCConfig is the [C-CNC] section: machine-wide kinematic limits.
type CCNCConfig struct {
	A         float64    `toml:"A"`
	Tq        float64    `toml:"tq"`
	MaxError  float64    `toml:"max_error"`
	FMax      float64    `toml:"fmax"`
	RTPacing  float64    `toml:"rt_pacing"`
	Zero      [3]float64 `toml:"zero"`
	Offset    [3]float64 `toml:"offset"`
}

// MQTTConfig is the [MQTT] section: transport broker settings.
type MQTTConfig struct {
	BrokerAddress string `toml:"broker_address"`
	BrokerPort    int    `toml:"broker_port"`
	PubTopic      string `toml:"pub_topic"`
	SubTopic      string `toml:"sub_topic"`
}

// AxisConfig is one of the [X]/[Y]/[Z] sections: plant parameters
// for a single linear axis.
type AxisConfig struct {
	Length        float64 `toml:"length"`
	Mass          float64 `toml:"mass"`
	Friction      float64 `toml:"friction"`
	MaxTorque     float64 `toml:"max_torque"`
	Pitch         float64 `toml:"pitch"`
	Gravity       float64 `toml:"gravity"`
	P             float64 `toml:"p"`
	I             float64 `toml:"i"`
	D             float64 `toml:"d"`
	IntegrationDt int     `toml:"integration_dt"`
}

// Config aggregates the whole document.
type Config struct {
	CCNC CCNCConfig `toml:"C-CNC"`
	MQTT MQTTConfig `toml:"MQTT"`
	X    AxisConfig `toml:"X"`
	Y    AxisConfig `toml:"Y"`
	Z    AxisConfig `toml:"Z"`
}

// defaults mirrors the original machine.c/axis.c hardcoded defaults,
// applied before the TOML document overlays its own values.
func defaults() Config {
	return Config{
		CCNC: CCNCConfig{
			A:        100,
			Tq:       0.005,
			MaxError: 0.020,
			FMax:     10000,
			RTPacing: 0.25,
		},
		MQTT: MQTTConfig{
			BrokerAddress: "localhost",
			BrokerPort:    1883,
			PubTopic:      "c-cnc/setpoint",
			SubTopic:      "c-cnc/status/#",
		},
		X: axisDefaults(),
		Y: axisDefaults(),
		Z: axisDefaults(),
	}
}

func axisDefaults() AxisConfig {
	return AxisConfig{
		Length:    1,
		Mass:      1000,
		Friction:  100,
		MaxTorque: 10,
		Pitch:     0.1,
		P:         1,
	}
}

// Load decodes path as a TOML document into a Config, seeded with
// the machine's defaults, and validates the constraints from spec
// section 3. A missing [C-CNC] or [MQTT] table is fatal; any
// constraint violation is fatal.
func Load(path string) (*Config, error) {
	cfg := defaults()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if !meta.IsDefined("C-CNC") {
		return nil, fmt.Errorf("%w: [C-CNC]", ErrConfigMissing)
	}
	if !meta.IsDefined("MQTT") {
		return nil, fmt.Errorf("%w: [MQTT]", ErrConfigMissing)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.CCNC.Tq <= 0 || c.CCNC.Tq > 1:
		return fmt.Errorf("%w: C-CNC.tq must be in (0,1], got %v", ErrConfigMalformed, c.CCNC.Tq)
	case c.CCNC.A <= 0:
		return fmt.Errorf("%w: C-CNC.A must be > 0, got %v", ErrConfigMalformed, c.CCNC.A)
	case c.CCNC.RTPacing <= 0 || c.CCNC.RTPacing > 1:
		return fmt.Errorf("%w: C-CNC.rt_pacing must be in (0,1], got %v", ErrConfigMalformed, c.CCNC.RTPacing)
	case c.CCNC.MaxError <= 0:
		return fmt.Errorf("%w: C-CNC.max_error must be > 0, got %v", ErrConfigMalformed, c.CCNC.MaxError)
	}
	return nil
}
