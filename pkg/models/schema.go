package models

import (
	"fmt"
	"math"
)

// ParamType is the wire type of a command parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
)

// ParamField describes one parameter in a command kind's schema.
type ParamField struct {
	Name     string
	Type     ParamType
	Required bool
	// Enum restricts string parameters to a fixed value set when non-empty.
	Enum []string
}

// ParamSchema is the declared parameter shape for one command kind.
type ParamSchema struct {
	Fields []ParamField
}

// commandSchemas defines the schema for every command kind. Parameters are
// validated at submission time, not dispatch time.
var commandSchemas = map[CommandKind]ParamSchema{
	KindPullFile: {Fields: []ParamField{
		{Name: "remote_path", Type: ParamString, Required: true},
		{Name: "local_path", Type: ParamString},
	}},
	KindPushFile: {Fields: []ParamField{
		{Name: "local_path", Type: ParamString, Required: true},
		{Name: "remote_path", Type: ParamString, Required: true},
		{Name: "size_bytes", Type: ParamInt},
	}},
	KindFlashPartition: {Fields: []ParamField{
		{Name: "partition", Type: ParamString, Required: true},
		{Name: "image_path", Type: ParamString, Required: true},
		{Name: "verify", Type: ParamBool},
	}},
	KindReboot: {Fields: []ParamField{
		{Name: "mode", Type: ParamString, Enum: []string{"system", "bootloader", "recovery"}},
	}},
	KindRunShell: {Fields: []ParamField{
		{Name: "command", Type: ParamString, Required: true},
		{Name: "timeout_seconds", Type: ParamInt},
	}},
	KindReadProperty: {Fields: []ParamField{
		{Name: "name", Type: ParamString, Required: true},
	}},
	KindWipeData: {Fields: []ParamField{
		{Name: "confirm", Type: ParamBool, Required: true},
	}},
}

// SchemaFor returns the parameter schema for a command kind.
func SchemaFor(kind CommandKind) (ParamSchema, bool) {
	s, ok := commandSchemas[kind]
	return s, ok
}

// ValidateParams checks params against the kind's schema. Unknown kinds,
// missing required fields, wrong types, unknown fields, and out-of-enum
// values all fail with ErrInvalidJobSpec.
func ValidateParams(kind CommandKind, params map[string]any) error {
	schema, ok := commandSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown command kind %q", ErrInvalidJobSpec, kind)
	}

	declared := make(map[string]ParamField, len(schema.Fields))
	for _, f := range schema.Fields {
		declared[f.Name] = f
	}

	for name := range params {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalidJobSpec, kind, name)
		}
	}

	for _, f := range schema.Fields {
		value, present := params[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("%w: %s: missing required parameter %q", ErrInvalidJobSpec, kind, f.Name)
			}

			continue
		}

		if err := checkParamValue(kind, f, value); err != nil {
			return err
		}
	}

	// wipe-data requires an explicit confirmation flag set to true.
	if kind == KindWipeData {
		if confirmed, _ := params["confirm"].(bool); !confirmed {
			return fmt.Errorf("%w: wipe-data requires confirm=true", ErrInvalidJobSpec)
		}
	}

	return nil
}

func checkParamValue(kind CommandKind, f ParamField, value any) error {
	switch f.Type {
	case ParamString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s: parameter %q must be a string", ErrInvalidJobSpec, kind, f.Name)
		}

		if s == "" && f.Required {
			return fmt.Errorf("%w: %s: parameter %q must not be empty", ErrInvalidJobSpec, kind, f.Name)
		}

		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s == allowed {
					return nil
				}
			}

			return fmt.Errorf("%w: %s: parameter %q value %q not in %v", ErrInvalidJobSpec, kind, f.Name, s, f.Enum)
		}
	case ParamInt:
		// JSON decoding delivers numbers as float64; accept both.
		switch n := value.(type) {
		case int, int64:
		case float64:
			if n != math.Trunc(n) {
				return fmt.Errorf("%w: %s: parameter %q must be an integer", ErrInvalidJobSpec, kind, f.Name)
			}
		default:
			return fmt.Errorf("%w: %s: parameter %q must be an integer", ErrInvalidJobSpec, kind, f.Name)
		}
	case ParamBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s: parameter %q must be a boolean", ErrInvalidJobSpec, kind, f.Name)
		}
	}

	return nil
}
