// Package behavior implements per-register fault injection rules.
//
// A rule is a closed set of declarative variants (normal, error,
// conditional and ramp). Rules are pure data; the mutable part lives in
// State and is owned by the register the rule is attached to.
package behavior

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindNormal      Kind = "normal"
	KindError       Kind = "error"
	KindConditional Kind = "conditional"
	KindRamp        Kind = "ramp"
)

type Reset string

const (
	ResetOneShot   Reset = "one_shot"
	ResetRepeating Reset = "repeating"
)

// On selects which access kinds a rule reacts to.
type On string

const (
	OnAny   On = "any"
	OnRead  On = "read"
	OnWrite On = "write"
)

type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (a AccessKind) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Spec is a behavior rule. Fields that do not apply to Kind are ignored.
type Spec struct {
	Kind    Kind                `yaml:"kind" json:"kind"`
	Code    types.ExceptionCode `yaml:"code,omitempty" json:"code,omitempty"`
	Trigger uint32              `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Reset   Reset               `yaml:"reset,omitempty" json:"reset,omitempty"`
	Step    int32               `yaml:"step,omitempty" json:"step,omitempty"`
	On      On                  `yaml:"on,omitempty" json:"on,omitempty"`
}

var ErrInvalid = errors.New("invalid behavior")

// Normal returns a rule that always proceeds.
func Normal() *Spec { return &Spec{Kind: KindNormal} }

// Error returns a rule that always fails with code.
func Error(code types.ExceptionCode) *Spec {
	return &Spec{Kind: KindError, Code: code}
}

// Conditional returns a rule that fails on every trigger-th access.
func Conditional(trigger uint32, code types.ExceptionCode, reset Reset) *Spec {
	return &Spec{Kind: KindConditional, Trigger: trigger, Code: code, Reset: reset}
}

// Ramp returns a rule that advances the stored value by step after each read.
func Ramp(step int32) *Spec {
	return &Spec{Kind: KindRamp, Step: step}
}

// IsNormal reports whether s has no effect on accesses. A nil spec is normal.
func (s *Spec) IsNormal() bool {
	return s == nil || s.Kind == KindNormal || s.Kind == ""
}

func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func (s *Spec) String() string {
	if s.IsNormal() {
		return string(KindNormal)
	}
	switch s.Kind {
	case KindError:
		return fmt.Sprintf("error(0x%02X)", uint8(s.Code))
	case KindConditional:
		return fmt.Sprintf("conditional(trigger=%d, code=0x%02X, reset=%s)", s.Trigger, uint8(s.Code), s.reset())
	case KindRamp:
		return fmt.Sprintf("ramp(step=%d)", s.Step)
	}
	return string(s.Kind)
}

// UnmarshalYAML accepts the short scalar form ("normal") besides the
// full mapping.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Spec{Kind: Kind(node.Value)}
		return nil
	}
	type plain Spec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

// UnmarshalJSON is the JSON counterpart of UnmarshalYAML.
func (s *Spec) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		var kind string
		if err := json.Unmarshal(trimmed, &kind); err != nil {
			return err
		}
		*s = Spec{Kind: Kind(kind)}
		return nil
	}
	type plain Spec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

func (s *Spec) reset() Reset {
	if s.Reset == "" {
		return ResetOneShot
	}
	return s.Reset
}

func (s *Spec) matches(access AccessKind) bool {
	switch s.On {
	case OnRead:
		return access == AccessRead
	case OnWrite:
		return access == AccessWrite
	}
	return true
}

// Validate checks that s is a well formed rule.
func Validate(s *Spec) error {
	if s == nil {
		return nil
	}
	switch s.On {
	case "", OnAny, OnRead, OnWrite:
	default:
		return fmt.Errorf("%w: unknown access filter %q", ErrInvalid, s.On)
	}

	switch s.Kind {
	case "", KindNormal:
		return nil
	case KindError:
		if !s.Code.Valid() {
			return fmt.Errorf("%w: invalid exception code 0x%02X", ErrInvalid, uint8(s.Code))
		}
	case KindConditional:
		if !s.Code.Valid() {
			return fmt.Errorf("%w: invalid exception code 0x%02X", ErrInvalid, uint8(s.Code))
		}
		if s.Trigger < 1 {
			return fmt.Errorf("%w: trigger must be at least 1", ErrInvalid)
		}
		switch s.Reset {
		case "", ResetOneShot, ResetRepeating:
		default:
			return fmt.Errorf("%w: unknown reset policy %q", ErrInvalid, s.Reset)
		}
	case KindRamp:
		if s.Step == 0 {
			return fmt.Errorf("%w: ramp step must not be zero", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}
