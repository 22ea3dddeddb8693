// Package scenario reads, writes and validates declarative snapshots of a
// simulation: devices, their registers and behaviors, and the settings
// transports apply to disabled devices.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"gopkg.in/yaml.v3"
)

const DefaultVersion = "0.0.1"

// DisabledResponse selects what a TCP listener does with requests for a
// disabled or unknown unit. RTU listeners always stay silent.
type DisabledResponse string

const (
	DisabledDrop      DisabledResponse = "drop"
	DisabledException DisabledResponse = "exception"
)

type Settings struct {
	DisabledResponse  DisabledResponse    `yaml:"disabled_response,omitempty" json:"disabled_response,omitempty"`
	DisabledException types.ExceptionCode `yaml:"disabled_exception,omitempty" json:"disabled_exception,omitempty"`

	// DisabledHold applies to the drop policy. A TCP connection that sent a
	// request for a disabled or unknown unit reads nothing else for this
	// long, so later requests on the same socket, even for enabled units,
	// are answered late. Other connections are not affected.
	DisabledHold Duration `yaml:"disabled_hold,omitempty" json:"disabled_hold,omitempty"`
}

// Response returns the effective policy, defaulting to drop.
func (s Settings) Response() DisabledResponse {
	if s.DisabledResponse == "" {
		return DisabledDrop
	}
	return s.DisabledResponse
}

// Exception returns the configured exception, defaulting to 0x0B.
func (s Settings) Exception() types.ExceptionCode {
	if s.DisabledException == 0 {
		return types.ExceptionGatewayTargetFailedRespond
	}
	return s.DisabledException
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Scenario struct {
	Name        string                       `yaml:"name" json:"name"`
	Description string                       `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                       `yaml:"version,omitempty" json:"version,omitempty"`
	Settings    Settings                     `yaml:"settings,omitempty" json:"settings"`
	Devices     map[uint8]devices.Definition `yaml:"devices" json:"devices"`
}

// UnmarshalYAML decodes device keys from their text form. JSON object
// keys are always strings, and yaml.v3 does not convert "1" to a uint8 key.
func (s *Scenario) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name        string                        `yaml:"name"`
		Description string                        `yaml:"description"`
		Version     string                        `yaml:"version"`
		Settings    Settings                      `yaml:"settings"`
		Devices     map[string]devices.Definition `yaml:"devices"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.Description = raw.Description
	s.Version = raw.Version
	s.Settings = raw.Settings
	s.Devices = nil
	if raw.Devices == nil {
		return nil
	}
	s.Devices = make(map[uint8]devices.Definition, len(raw.Devices))
	for key, def := range raw.Devices {
		id, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return fmt.Errorf("device key %q is not a slave id", key)
		}
		if _, dup := s.Devices[uint8(id)]; dup {
			return fmt.Errorf("device %d defined twice", id)
		}
		def.SlaveID = uint8(id)
		s.Devices[uint8(id)] = def
	}
	return nil
}

// New returns an empty scenario.
func New(name, description string) *Scenario {
	return &Scenario{
		Name:        name,
		Description: description,
		Version:     DefaultVersion,
		Devices:     make(map[uint8]devices.Definition),
	}
}

func u16(v uint16) *uint16 { return &v }

// Default is the built-in scenario used when nothing else is configured.
func Default() *Scenario {
	s := New("default", "Single device with three holding registers")
	s.Devices[1] = devices.Definition{
		SlaveID: 1,
		Name:    "Device 1",
		Registers: devices.Registers{
			HoldingRegisters: []registers.Definition{
				{Address: 40001, Value: 123},
				{Address: 40002, Value: 456},
				{Address: 40003, Value: 789},
			},
		},
	}
	return s
}

// IDs returns the slave ids in ascending order.
func (s *Scenario) IDs() []uint8 {
	ids := make([]uint8, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone deep copies s.
func (s *Scenario) Clone() *Scenario {
	c := *s
	c.Devices = make(map[uint8]devices.Definition, len(s.Devices))
	for id, def := range s.Devices {
		c.Devices[id] = def.Clone()
	}
	return &c
}

// normalize sorts register lists by address and fills SlaveID from the
// map keys.
func (s *Scenario) normalize() {
	if s.Devices == nil {
		s.Devices = make(map[uint8]devices.Definition)
	}
	for id, def := range s.Devices {
		def.SlaveID = id
		for _, t := range types.RegisterTypes {
			defs := def.Registers.Of(t)
			sort.SliceStable(defs, func(i, j int) bool { return defs[i].Address < defs[j].Address })
		}
		s.Devices[id] = def
	}
}

// Parse validates data against the schema and the semantic rules and
// decodes it. Any failure is a *ValidationError.
func Parse(data []byte) (*Scenario, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	for id, def := range s.Devices {
		def.SlaveID = id
		s.Devices[id] = def
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	s.normalize()
	return &s, nil
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Marshal renders s as YAML. The output only depends on the content:
// devices by id, registers by address, register types in fixed order.
func Marshal(s *Scenario) ([]byte, error) {
	c := s.Clone()
	c.normalize()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode scenario: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Save(path string, s *Scenario) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario %s: %w", path, err)
	}
	return nil
}

var ErrNotFound = errors.New("scenario not found")
