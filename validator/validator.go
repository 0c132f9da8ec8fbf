package validator

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

// Validator checks a decoded JSON document.
type Validator interface {
	Validate(doc map[string]interface{}) error
}

// FieldError describes the first offending field.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Path, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

// Kind is the JSON type a field must have.
type Kind int

const (
	String Kind = iota
	Number
	Integer
	Bool
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Integer:
		return "integer"
	case Bool:
		return "bool"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// Lookup resolves a dotted path ("mqtt.port") inside doc.
func Lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FieldValidator checks presence and type of one field.
type FieldValidator struct {
	Path     string
	Kind     Kind
	Required bool
	// NonEmpty rejects "" for strings and [] for arrays.
	NonEmpty bool
}

// Validate implements Validator.
func (fv FieldValidator) Validate(doc map[string]interface{}) error {
	v, ok := Lookup(doc, fv.Path)
	if !ok || v == nil {
		if fv.Required {
			return &FieldError{fv.Path, "required"}
		}
		return nil
	}
	if !IsKind(v, fv.Kind) {
		return &FieldError{fv.Path, "must be " + fv.Kind.String()}
	}
	if fv.NonEmpty {
		switch t := v.(type) {
		case string:
			if t == "" {
				return &FieldError{fv.Path, "must not be empty"}
			}
		case []interface{}:
			if len(t) == 0 {
				return &FieldError{fv.Path, "must not be empty"}
			}
		}
	}
	return nil
}

// IsKind reports whether v, as produced by encoding/json, has kind k.
func IsKind(v interface{}, k Kind) bool {
	switch k {
	case String:
		_, ok := v.(string)
		return ok
	case Number:
		_, ok := v.(float64)
		return ok
	case Integer:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case Bool:
		_, ok := v.(bool)
		return ok
	case Object:
		_, ok := v.(map[string]interface{})
		return ok
	case Array:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}

// RangeValidator checks that a numeric field, when present, lies in [Min, Max].
type RangeValidator struct {
	Path string
	Min  float64
	Max  float64
}

// Validate implements Validator.
func (rv RangeValidator) Validate(doc map[string]interface{}) error {
	v, ok := Lookup(doc, rv.Path)
	if !ok || v == nil {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return &FieldError{rv.Path, "must be number"}
	}
	if f < rv.Min || f > rv.Max {
		return &FieldError{rv.Path, fmt.Sprintf("value %g not in range [%g, %g]", f, rv.Min, rv.Max)}
	}
	return nil
}

// OneOf checks that a string field, when present, is one of Values.
type OneOf struct {
	Path   string
	Values []string
}

// Validate implements Validator.
func (o OneOf) Validate(doc map[string]interface{}) error {
	v, ok := Lookup(doc, o.Path)
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return &FieldError{o.Path, "must be string"}
	}
	for _, allowed := range o.Values {
		if s == allowed {
			return nil
		}
	}
	return &FieldError{o.Path, fmt.Sprintf("%q not one of %s", s, strings.Join(o.Values, "|"))}
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(doc map[string]interface{}) error {
	for _, v := range c {
		if err := v.Validate(doc); err != nil {
			return err
		}
	}
	return nil
}

// Prefixed runs Inner against a nested object and prefixes error paths.
type Prefixed struct {
	Prefix string
	Inner  Validator
}

// Validate implements Validator.
func (p Prefixed) Validate(doc map[string]interface{}) error {
	err := p.Inner.Validate(doc)
	var fe *FieldError
	if errors.As(err, &fe) {
		return &FieldError{Path: p.Prefix + "." + fe.Path, Reason: fe.Reason}
	}
	return err
}
