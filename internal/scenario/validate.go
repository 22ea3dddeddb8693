package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/scenario-v1.json
var scenarioSchemaJSON string

var ErrInvalid = errors.New("invalid scenario")

// ValidationError lists every problem found in a scenario.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "scenario validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("scenario validation failed (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("scenario-v1.json", strings.NewReader(scenarioSchemaJSON)); err != nil {
		panic(fmt.Sprintf("failed to add schema resource: %v", err))
	}
	return compiler.MustCompile("scenario-v1.json")
}

// validateSchema checks raw YAML against the embedded JSON schema.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if doc == nil {
		return &ValidationError{Problems: []string{"empty document"}}
	}

	raw, err := json.Marshal(toJSONValue(doc))
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}

	if err := schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Problems: leafProblems(ve)}
		}
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return nil
}

func leafProblems(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafProblems(c)...)
	}
	return out
}

// toJSONValue converts YAML mappings with non-string keys into JSON
// objects.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	default:
		return v
	}
}

// Validate applies the semantic rules the schema cannot express.
func Validate(s *Scenario) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Name == "" {
		add("name is required")
	}
	switch s.Settings.DisabledResponse {
	case "", DisabledDrop, DisabledException:
	default:
		add("settings: unknown disabled_response %q", s.Settings.DisabledResponse)
	}
	if s.Settings.DisabledException != 0 && !s.Settings.DisabledException.Valid() {
		add("settings: invalid disabled_exception 0x%02X", uint8(s.Settings.DisabledException))
	}
	if s.Settings.DisabledHold < 0 {
		add("settings: disabled_hold must not be negative")
	}

	for _, id := range s.IDs() {
		def := s.Devices[id]
		if !devices.ValidSlaveID(int(id)) {
			add("device %d: slave id must be between %d and %d", id, devices.MinSlaveID, devices.MaxSlaveID)
		}
		for _, t := range types.RegisterTypes {
			m := registers.NewMap(t)
			seen := make(map[uint16]bool)
			for _, rd := range def.Registers.Of(t) {
				if seen[rd.Address] {
					add("device %d: %s address %d defined more than once", id, t, rd.Address)
					continue
				}
				seen[rd.Address] = true
				if _, err := m.Check(rd); err != nil {
					add("device %d: %v", id, err)
				}
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
