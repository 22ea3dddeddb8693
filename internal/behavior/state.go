package behavior

import (
	"fmt"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
)

type Phase int

const (
	PhaseNormal Phase = iota
	PhaseArmed
	PhaseTripped
)

func (p Phase) String() string {
	switch p {
	case PhaseArmed:
		return "armed"
	case PhaseTripped:
		return "tripped"
	default:
		return "normal"
	}
}

// State is the mutable part of a conditional rule. The zero value is
// PhaseNormal, which is also the state for every other kind.
type State struct {
	Phase     Phase  `json:"phase"`
	Remaining uint32 `json:"remaining,omitempty"`
}

// NewState returns the initial state for spec.
func NewState(spec *Spec) State {
	if spec != nil && spec.Kind == KindConditional {
		return State{Phase: PhaseArmed, Remaining: spec.Trigger}
	}
	return State{}
}

// Fault is an injected Modbus exception.
type Fault struct {
	Code types.ExceptionCode
}

func (f *Fault) Error() string {
	return fmt.Sprintf("injected fault: %s (0x%02X)", f.Code, uint8(f.Code))
}

// Outcome is the result of evaluating one access. The zero value proceeds.
type Outcome struct {
	Code types.ExceptionCode
}

func (o Outcome) Proceed() bool { return o.Code == 0 }

// Err returns a *Fault for failed outcomes and nil otherwise.
func (o Outcome) Err() error {
	if o.Proceed() {
		return nil
	}
	return &Fault{Code: o.Code}
}

func fail(code types.ExceptionCode) Outcome { return Outcome{Code: code} }

// Evaluate applies one access to spec and st. A conditional rule in the
// armed phase consumes one unit per matching access; the access that
// brings remaining to zero fails and leaves the rule tripped. The next
// matching access resolves the trip according to the reset policy.
func Evaluate(spec *Spec, st *State, access AccessKind) Outcome {
	if spec.IsNormal() || !spec.matches(access) {
		return Outcome{}
	}

	switch spec.Kind {
	case KindError:
		return fail(spec.Code)

	case KindConditional:
		if st.Phase == PhaseTripped {
			if spec.reset() == ResetOneShot {
				st.Phase = PhaseNormal
				st.Remaining = 0
				return Outcome{}
			}
			st.Phase = PhaseArmed
			st.Remaining = spec.Trigger
		}
		if st.Phase != PhaseArmed {
			return Outcome{}
		}
		if st.Remaining > 0 {
			st.Remaining--
		}
		if st.Remaining == 0 {
			st.Phase = PhaseTripped
			return fail(spec.Code)
		}
	}
	return Outcome{}
}

// Advance returns the next value of a ramp rule, wrapping inside [lo, hi].
// Non-ramp rules return value unchanged.
func Advance(spec *Spec, value, lo, hi uint16) uint16 {
	if spec == nil || spec.Kind != KindRamp || hi < lo {
		return value
	}
	span := int64(hi) - int64(lo) + 1
	offset := (int64(value) - int64(lo) + int64(spec.Step)) % span
	if offset < 0 {
		offset += span
	}
	return uint16(int64(lo) + offset)
}
