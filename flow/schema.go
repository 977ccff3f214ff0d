package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates dynamic values against a declared shape.
//
// Steps declare their input, output, and optional resume/suspend contracts
// as Schemas. The builder checks producer/consumer compatibility at commit
// time; the scheduler validates live values at run time.
//
// Any validation library can implement Schema. The primary implementation
// is JSONSchema (JSON Schema Draft 2020-12).
type Schema interface {
	// Validate returns nil if the value conforms to the schema, or a
	// *ValidationError describing every violation.
	Validate(value any) error
}

// documented is implemented by schemas that can expose their raw document
// for structural compatibility checking at commit time.
type documented interface {
	Document() map[string]any
}

// AnySchema accepts every value. Use it for steps without a meaningful
// contract on one side.
type AnySchema struct{}

// Any is the shared AnySchema instance.
var Any Schema = AnySchema{}

// Validate always returns nil.
func (AnySchema) Validate(any) error { return nil }

// JSONSchema validates values against a JSON Schema Draft 2020-12 document.
// Compiled schemas are immutable and safe for concurrent use.
type JSONSchema struct {
	source   string
	compiled *jsonschema.Schema
	doc      map[string]any
}

// NewJSONSchema compiles a JSON Schema document from its source text.
//
// Example:
//
//	in, err := flow.NewJSONSchema(`{
//	    "type": "object",
//	    "required": ["a", "b"],
//	    "properties": {"a": {"type": "number"}, "b": {"type": "number"}}
//	}`)
func NewJSONSchema(source string) (*JSONSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()

	const url = "flow://schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var m map[string]any
	if obj, ok := doc.(map[string]any); ok {
		m = obj
	}

	return &JSONSchema{source: source, compiled: compiled, doc: m}, nil
}

// MustJSONSchema compiles a schema and panics on error. Intended for
// package-level schema declarations.
func MustJSONSchema(source string) *JSONSchema {
	s, err := NewJSONSchema(source)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a value against the compiled schema.
//
// The value is round-tripped through JSON encoding so numbers become
// json.Number, the representation the validator requires.
func (s *JSONSchema) Validate(value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return &ValidationError{Violations: []string{"value is not JSON-serializable"}, Cause: err}
	}

	if err := s.compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Document returns the raw schema document for compatibility checking.
func (s *JSONSchema) Document() map[string]any { return s.doc }

// checkCompatible verifies that a producer's output schema can structurally
// satisfy a consumer's input schema.
//
// The check is pragmatic rather than a full subschema proof:
//   - AnySchema on either side is always compatible.
//   - Declared "type" fields must agree when both schemas declare one.
//   - Every property the consumer requires must be declared by the producer
//     when both schemas describe objects with a property map.
//
// Schemas that do not expose their document pass the check; they are still
// enforced at run time.
func checkCompatible(producerID, consumerID string, producer, consumer Schema) error {
	pd, pok := producer.(documented)
	cd, cok := consumer.(documented)
	if !pok || !cok {
		return nil
	}
	pdoc, cdoc := pd.Document(), cd.Document()
	if pdoc == nil || cdoc == nil {
		return nil
	}

	ptype, _ := pdoc["type"].(string)
	ctype, _ := cdoc["type"].(string)
	if ptype != "" && ctype != "" && ptype != ctype {
		return &SchemaMismatchError{
			Producer: producerID,
			Consumer: consumerID,
			Reason:   "output type " + ptype + " does not match input type " + ctype,
		}
	}

	if ptype == "object" && ctype == "object" {
		props, _ := pdoc["properties"].(map[string]any)
		required, _ := cdoc["required"].([]any)
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, declared := props[name]; !declared && props != nil {
				return &SchemaMismatchError{
					Producer: producerID,
					Consumer: consumerID,
					Reason:   "required input property " + name + " is not produced",
				}
			}
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON so numeric values become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema error into a *ValidationError with
// one message per violation, each prefixed with its instance location.
func toValidationError(err error) *ValidationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Violations: []string{err.Error()}, Cause: err}
	}
	return &ValidationError{Violations: collectViolations(verr), Cause: err}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
