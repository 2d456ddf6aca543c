// Package schema validates event payloads and route request/response bodies
// against Go struct definitions using go-playground/validator struct tags,
// the idiomatic Go substitute for a dynamic JSON-schema document: schemas
// are registered as typed prototypes rather than schema maps, and incoming
// payloads (typically map[string]any decoded from JSON) are first coerced
// into that type with mapstructure before the validator tags run.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// ValidationError describes a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error aggregates the ValidationErrors produced by a failed Validate call.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(parts, "; ")
}

var engine = newEngine()

type validatorEngine struct {
	driver *validator.Validate
}

func newEngine() *validatorEngine {
	driver := validator.New()
	driver.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			name = fld.Name
		}
		return name
	})
	return &validatorEngine{driver: driver}
}

func (e *validatorEngine) toSchemaError(err error) *Error {
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return &Error{Errors: []ValidationError{{Field: "", Code: "invalid", Message: err.Error()}}}
	}
	out := &Error{}
	for _, fe := range ve {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: translate(fe),
		})
	}
	return out
}

func translate(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// Schema binds a name to a Go struct prototype. The zero value is not
// usable; construct with New.
type Schema struct {
	name string
	typ  reflect.Type
}

// New registers a schema named name, modeled on prototype's struct shape.
// prototype must be a struct value (not a pointer); Decode/Validate produce
// fresh instances of its type.
func New(name string, prototype any) Schema {
	typ := reflect.TypeOf(prototype)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return Schema{name: name, typ: typ}
}

// Name returns the schema's registered name.
func (s Schema) Name() string {
	return s.name
}

// IsZero reports whether s is the uninitialized zero value (no schema
// declared for this route/subscription).
func (s Schema) IsZero() bool {
	return s.typ == nil
}

// Decode coerces data (typically a map[string]any from JSON) into a new
// pointer instance of the schema's struct type, without running validation
// tags.
func (s Schema) Decode(data any) (any, error) {
	out := reflect.New(s.typ).Interface()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		// Weak typing would turn a number or bool into a string field;
		// reject that so a string field carrying another type fails.
		DecodeHook: func(from, to reflect.Type, data any) (any, error) {
			if to.Kind() == reflect.String && from.Kind() != reflect.String {
				return nil, fmt.Errorf("expected string, got %s", from.Kind())
			}
			return data, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate decodes data into the schema's type and runs struct validation
// tags against it. It returns the decoded, validated instance on success,
// or a *Error describing every failing field.
func (s Schema) Validate(data any) (any, error) {
	out, err := s.Decode(data)
	if err != nil {
		return nil, &Error{Errors: []ValidationError{{Field: "", Code: "decode", Message: err.Error()}}}
	}
	if err := engine.driver.Struct(out); err != nil {
		return nil, engine.toSchemaError(err)
	}
	return out, nil
}

// ByStatus resolves a response schema keyed by HTTP status, falling back to
// global when status has no specific entry, and reporting found=false when
// neither is declared (spec: "falls back to a generic {error:string}
// object" at the router layer in that case).
type ByStatus struct {
	Global Schema
	Status map[int]Schema
}

// Resolve returns the schema to validate a response with given status
// against, and whether any schema was declared at all.
func (b ByStatus) Resolve(status int) (Schema, bool) {
	if b.Status != nil {
		if s, ok := b.Status[status]; ok {
			return s, true
		}
	}
	if !b.Global.IsZero() {
		return b.Global, true
	}
	return Schema{}, false
}
