package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Schema is the subset of JSON Schema used for stage replies.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
	Description string             `json:"description,omitempty"`

	AdditionalProperties *bool `json:"additionalProperties,omitempty"`
}

// ValidateJSON decodes data and checks it against schema, folding all
// violations into a single error.
func ValidateJSON(schema *Schema, data json.RawMessage) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	var violations []string
	check(schema, value, "", &violations)
	if len(violations) > 0 {
		return fmt.Errorf("schema validation failed: %s", strings.Join(violations, "; "))
	}
	return nil
}

// check walks a decoded JSON value, so only the types produced by
// encoding/json into an any are considered.
func check(schema *Schema, value any, path string, violations *[]string) {
	if schema == nil {
		return
	}
	fail := func(format string, args ...any) {
		*violations = append(*violations, pathOrRoot(path)+": "+fmt.Sprintf(format, args...))
	}

	if schema.Type != "" && !hasType(schema.Type, value) {
		fail("expected type %s, got %T", schema.Type, value)
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for _, name := range schema.Required {
			if _, ok := v[name]; !ok {
				fail("missing required field '%s'", name)
			}
		}
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		closed := schema.AdditionalProperties != nil && !*schema.AdditionalProperties
		for _, name := range names {
			prop, defined := schema.Properties[name]
			if !defined {
				if closed {
					fail("unknown property '%s'", name)
				}
				continue
			}
			check(prop, v[name], joinPath(path, name), violations)
		}
	case []any:
		for i, item := range v {
			check(schema.Items, item, fmt.Sprintf("%s[%d]", path, i), violations)
		}
	case string:
		if schema.MinLength != nil && len(v) < *schema.MinLength {
			fail("string length %d is less than minimum %d", len(v), *schema.MinLength)
		}
	case float64:
		if schema.Minimum != nil && v < *schema.Minimum {
			fail("value %v is less than minimum %v", v, *schema.Minimum)
		}
		if schema.Maximum != nil && v > *schema.Maximum {
			fail("value %v is greater than maximum %v", v, *schema.Maximum)
		}
	}

	if len(schema.Enum) > 0 && !slices.ContainsFunc(schema.Enum, func(option any) bool {
		return reflect.DeepEqual(option, value)
	}) {
		fail("value %v is not one of allowed values %v", value, schema.Enum)
	}
}

func hasType(schemaType string, value any) bool {
	switch v := value.(type) {
	case nil:
		return schemaType == "null"
	case string:
		return schemaType == "string"
	case bool:
		return schemaType == "boolean"
	case float64:
		return schemaType == "number" || (schemaType == "integer" && v == math.Trunc(v))
	case []any:
		return schemaType == "array"
	case map[string]any:
		return schemaType == "object"
	}
	return false
}

func pathOrRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

// SchemaFromStruct generates a JSON Schema from a Go struct type. Call
// Strict on the result before sending it as a response schema.
func SchemaFromStruct(t reflect.Type) *Schema {
	return generateSchemaFromType(t)
}

func generateSchemaFromType(t reflect.Type) *Schema {
	// Handle pointers
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := &Schema{}

	switch t.Kind() {
	case reflect.String:
		schema.Type = "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		schema.Type = "integer"
	case reflect.Float32, reflect.Float64:
		schema.Type = "number"
	case reflect.Bool:
		schema.Type = "boolean"
	case reflect.Slice, reflect.Array:
		schema.Type = "array"
		schema.Items = generateSchemaFromType(t.Elem())
	case reflect.Struct:
		schema.Type = "object"
		schema.Properties = make(map[string]*Schema)

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			// Get JSON field name
			jsonTag := field.Tag.Get("json")
			fieldName := field.Name
			if jsonTag != "" && jsonTag != "-" {
				parts := strings.Split(jsonTag, ",")
				if parts[0] != "" {
					fieldName = parts[0]
				}
			}

			propSchema := generateSchemaFromType(field.Type)

			// Add description from tag
			if desc := field.Tag.Get("description"); desc != "" {
				propSchema.Description = desc
			}
			applyConstraintTags(propSchema, field.Tag)

			schema.Properties[fieldName] = propSchema
		}
	case reflect.Map:
		schema.Type = "object"
	}

	return schema
}

// applyConstraintTags copies enum, minimum, maximum and minLength struct tags
// onto a property schema. Enum values are separated by '|'.
func applyConstraintTags(schema *Schema, tag reflect.StructTag) {
	target := schema
	if schema.Type == "array" && schema.Items != nil {
		target = schema.Items
	}

	if enum := tag.Get("enum"); enum != "" {
		for _, option := range strings.Split(enum, "|") {
			target.Enum = append(target.Enum, option)
		}
	}
	if min, err := strconv.ParseFloat(tag.Get("minimum"), 64); err == nil {
		target.Minimum = &min
	}
	if max, err := strconv.ParseFloat(tag.Get("maximum"), 64); err == nil {
		target.Maximum = &max
	}
	if minLen, err := strconv.Atoi(tag.Get("minLength")); err == nil {
		target.MinLength = &minLen
	}
}

// Strict rewrites the schema in place for strict structured output: every
// object lists all of its properties as required and forbids additional
// ones. It returns the schema for chaining.
func (s *Schema) Strict() *Schema {
	if s == nil {
		return s
	}
	if s.Type == "object" && s.Properties != nil {
		names := make([]string, 0, len(s.Properties))
		for name, prop := range s.Properties {
			names = append(names, name)
			prop.Strict()
		}
		sort.Strings(names)
		s.Required = names
		closed := false
		s.AdditionalProperties = &closed
	}
	if s.Items != nil {
		s.Items.Strict()
	}
	return s
}

// JSON marshals the schema for use as a request's ResponseSchema.
func (s *Schema) JSON() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		// Schema holds only JSON-safe values.
		panic(fmt.Sprintf("marshal schema: %v", err))
	}
	return data
}
