package fastloop

import (
	"fmt"
	"sort"
)

// FieldKind is the declared type of an event payload field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldObject FieldKind = "object"
	FieldList   FieldKind = "list"
	FieldAny    FieldKind = "any"
)

// FieldSpec declares one payload field of a registered event type.
type FieldSpec struct {
	Kind     FieldKind
	Required bool
}

// EventSchema declares the payload shape of one event type. Fields not
// declared here still round-trip through the payload map; validation only
// constrains the declared ones.
type EventSchema struct {
	Type   string
	Fields map[string]FieldSpec
}

// Validate checks payload against the schema and returns one message per
// violation, in field order.
func (s EventSchema) Validate(payload map[string]any) []string {
	var errs []string

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := s.Fields[name]
		v, ok := payload[name]
		if !ok || v == nil {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("%s: field required", name))
			}
			continue
		}
		if !kindMatches(spec.Kind, v) {
			errs = append(errs, fmt.Sprintf("%s: expected %s", name, spec.Kind))
		}
	}
	return errs
}

func kindMatches(kind FieldKind, v any) bool {
	switch kind {
	case FieldAny:
		return true
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case FieldList:
		_, ok := v.([]any)
		return ok
	}
	return false
}
