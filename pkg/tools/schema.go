package tools

import (
	"fmt"
	"math"
)

// PropertyType enumerates the parameter types tools may declare.
type PropertyType string

const (
	TypeBoolean PropertyType = "boolean"
	TypeInteger PropertyType = "integer"
	TypeString  PropertyType = "string"
)

// Property is one typed tool parameter. A property without a default is
// required.
type Property struct {
	Name    string
	Type    PropertyType
	Default any
	// Min and Max bound integer values when both are set.
	Min *int
	Max *int
}

// HasDefault reports whether the property is optional.
func (p *Property) HasDefault() bool {
	return p.Default != nil
}

// hasRange reports whether integer bounds are declared.
func (p *Property) hasRange() bool {
	return p.Min != nil && p.Max != nil
}

// toSchema renders the property as a JSON-schema-shaped descriptor.
func (p *Property) toSchema() map[string]any {
	s := map[string]any{"type": string(p.Type)}
	if p.HasDefault() {
		s["default"] = p.Default
	}
	if p.Type == TypeInteger {
		if p.Min != nil {
			s["minimum"] = *p.Min
		}
		if p.Max != nil {
			s["maximum"] = *p.Max
		}
	}
	return s
}

// IntRange is a convenience constructor for a bounded integer property.
func IntRange(name string, min, max int) Property {
	return Property{Name: name, Type: TypeInteger, Min: &min, Max: &max}
}

// Schema is an ordered list of properties.
type Schema []Property

// Required lists the property names without defaults.
func (s Schema) Required() []string {
	var req []string
	for _, p := range s {
		if !p.HasDefault() {
			req = append(req, p.Name)
		}
	}
	return req
}

// toInputSchema renders the JSON-schema descriptor served by tools/list.
func (s Schema) toInputSchema() map[string]any {
	props := make(map[string]any, len(s))
	for _, p := range s {
		props[p.Name] = p.toSchema()
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.Required(); len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

// Parse validates raw arguments against the schema and returns the typed
// argument map with defaults filled in. Violations return an *Error with
// CodeInvalidParams.
func (s Schema) Parse(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s))

	for _, p := range s {
		raw, present := args[p.Name]
		if !present {
			if !p.HasDefault() {
				return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("missing required parameter: %s", p.Name)}
			}
			out[p.Name] = p.Default
			continue
		}

		switch p.Type {
		case TypeBoolean:
			b, ok := raw.(bool)
			if !ok {
				return nil, invalidType(p.Name, "boolean")
			}
			out[p.Name] = b

		case TypeInteger:
			// JSON numbers decode as float64; accept whole values only.
			f, ok := raw.(float64)
			if !ok || f != math.Trunc(f) {
				return nil, invalidType(p.Name, "integer")
			}
			v := int(f)
			if p.hasRange() {
				if v < *p.Min {
					return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("%s below minimum %d", p.Name, *p.Min)}
				}
				if v > *p.Max {
					return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("%s exceeds maximum %d", p.Name, *p.Max)}
				}
			}
			out[p.Name] = v

		case TypeString:
			str, ok := raw.(string)
			if !ok {
				return nil, invalidType(p.Name, "string")
			}
			out[p.Name] = str

		default:
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown type for parameter %s", p.Name)}
		}
	}

	return out, nil
}

func invalidType(name, want string) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("parameter %s must be a %s", name, want)}
}
