package evolve

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// ValidationMode controls how result.json is checked against a schema.
type ValidationMode string

const (
	// ValidationStrict disables coercion: type mismatches fail.
	ValidationStrict ValidationMode = "strict"
	// ValidationLoose allows primitive coercion (string → number,
	// number → string, string → bool). The default.
	ValidationLoose ValidationMode = "loose"
)

// SchemaDescriptor declares the expected shape of output/result.json. Two
// constructors cover the accepted inputs: SchemaFor for a Go struct type
// and SchemaFromMap for a raw JSON Schema document. Both normalise to JSON
// Schema internally; Describe exposes the normalised form for transmission
// to the agent.
type SchemaDescriptor struct {
	raw       map[string]any
	newTarget func() any
	decode    func(any, ValidationMode) (any, error)
}

// SchemaFor derives a descriptor from a Go struct type. The JSON Schema is
// generated once at construction; validation decodes into a *T.
func SchemaFor[T any]() *SchemaDescriptor {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	generated := reflector.Reflect(&zero)
	data, err := json.Marshal(generated)
	if err != nil {
		// Reflect output always marshals; a failure here is a programming error.
		panic(fmt.Sprintf("schema: marshal generated schema: %v", err))
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		panic(fmt.Sprintf("schema: unmarshal generated schema: %v", err))
	}

	return &SchemaDescriptor{
		raw:       raw,
		newTarget: func() any { return new(T) },
		decode: func(value any, mode ValidationMode) (any, error) {
			target := new(T)
			cfg := &mapstructure.DecoderConfig{
				Result:           target,
				TagName:          "json",
				WeaklyTypedInput: mode == ValidationLoose,
				ErrorUnused:      false,
			}
			dec, err := mapstructure.NewDecoder(cfg)
			if err != nil {
				return nil, err
			}
			if err := dec.Decode(value); err != nil {
				return nil, err
			}
			return *target, nil
		},
	}
}

// SchemaFromMap wraps a raw JSON Schema document. Validation checks the
// parsed value against the schema's type/required/properties/items/enum
// keywords; the decoded value is returned as generic JSON (maps, slices,
// float64, string, bool).
func SchemaFromMap(schema map[string]any) *SchemaDescriptor {
	return &SchemaDescriptor{raw: schema}
}

// Describe returns the normalised JSON Schema document.
func (d *SchemaDescriptor) Describe() map[string]any { return d.raw }

// Validate parses raw against the schema. On success the decoded value is
// returned; on failure the error describes the first mismatch.
func (d *SchemaDescriptor) Validate(raw []byte, mode ValidationMode) (any, error) {
	if mode == "" {
		mode = ValidationLoose
	}
	var value any
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, &ErrSchemaValidation{Message: "invalid JSON: " + err.Error(), Raw: string(raw)}
	}

	if d.decode != nil {
		// Struct-typed descriptor: the Go type system is the schema.
		// json.Number leaves become float64 first — JSON has a single
		// number type, so cross-kind numeric conversion is not coercion.
		// String → number/bool remains loose-mode only.
		out, err := d.decode(normalizeNumbers(value), mode)
		if err != nil {
			return nil, &ErrSchemaValidation{Message: err.Error(), Raw: string(raw)}
		}
		return out, nil
	}

	if err := checkSchema("$", d.raw, value, mode); err != nil {
		return nil, &ErrSchemaValidation{Message: err.Error(), Raw: string(raw)}
	}
	return normalizeNumbers(value), nil
}

// checkSchema validates value against the subset of JSON Schema keywords
// the runtime guarantees: type, required, properties, items, enum. Loose
// mode accepts values whose string form coerces to the declared type.
func checkSchema(path string, schema map[string]any, value any, mode ValidationMode) error {
	if typ, ok := schema["type"].(string); ok {
		if err := checkType(path, typ, value, mode); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%s: value %v not in enum", path, value)
		}
	}

	if obj, ok := value.(map[string]any); ok {
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := obj[name]; !present {
					return fmt.Errorf("%s: missing required property %q", path, name)
				}
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for name, sub := range props {
				subSchema, ok := sub.(map[string]any)
				if !ok {
					continue
				}
				if v, present := obj[name]; present {
					if err := checkSchema(path+"."+name, subSchema, v, mode); err != nil {
						return err
					}
				}
			}
		}
	}

	if arr, ok := value.([]any); ok {
		if items, ok := schema["items"].(map[string]any); ok {
			for i, v := range arr {
				if err := checkSchema(fmt.Sprintf("%s[%d]", path, i), items, v, mode); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// checkType validates a single JSON type keyword, with loose-mode coercion
// for primitives.
func checkType(path, typ string, value any, mode ValidationMode) error {
	ok := false
	switch typ {
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	case "string":
		_, ok = value.(string)
		if !ok && mode == ValidationLoose {
			switch value.(type) {
			case json.Number, bool:
				ok = true
			}
		}
	case "number", "integer":
		_, ok = value.(json.Number)
		if !ok && mode == ValidationLoose {
			if s, isStr := value.(string); isStr {
				_, err := strconv.ParseFloat(s, 64)
				ok = err == nil
			}
		}
	case "boolean":
		_, ok = value.(bool)
		if !ok && mode == ValidationLoose {
			if s, isStr := value.(string); isStr {
				_, err := strconv.ParseBool(s)
				ok = err == nil
			}
		}
	case "null":
		ok = value == nil
	default:
		// Unknown type keyword: accept.
		ok = true
	}
	if !ok {
		return fmt.Errorf("%s: expected %s, got %T", path, typ, value)
	}
	return nil
}

// normalizeNumbers converts json.Number leaves to float64 so generic
// results compare naturally.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case map[string]any:
		for k, elem := range v {
			v[k] = normalizeNumbers(elem)
		}
		return v
	case []any:
		for i, elem := range v {
			v[i] = normalizeNumbers(elem)
		}
		return v
	default:
		return v
	}
}
