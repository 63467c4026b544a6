package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Schema is the subset of JSON Schema the client validates against.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Validate checks a decoded JSON value against s.
func (s *Schema) Validate(v any) error {
	return s.validate(v, "$")
}

func (s *Schema) validate(v any, path string) error {
	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %s", path, typeName(v))
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		for name, prop := range s.Properties {
			val, ok := obj[name]
			if !ok || val == nil {
				continue
			}
			if err := prop.validate(val, path+"."+name); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %s", path, typeName(v))
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %s", path, typeName(v))
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
			return fmt.Errorf("%s: %q not one of %v", path, str, s.Enum)
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("%s: expected number, got %s", path, typeName(v))
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("%s: expected integer, got %s", path, typeName(v))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %s", path, typeName(v))
		}
	case "":
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z]*\\s*(.*?)```")

// Sanitize strips markdown code fences and any prose around the first
// JSON object or array in text.
func Sanitize(text string) string {
	s := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// decode sanitizes text, parses it as JSON and validates it against s.
// It returns the sanitized JSON on success.
func decode(text string, s *Schema) ([]byte, error) {
	clean := Sanitize(text)
	if clean == "" {
		return nil, newError(KindInvalidResponse, 0, "empty completion", nil)
	}

	var v any
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return nil, newError(KindSchemaValidation, 0, "completion is not valid JSON", err)
	}
	if err := s.Validate(v); err != nil {
		return nil, newError(KindSchemaValidation, 0, err.Error(), err)
	}
	return []byte(clean), nil
}

func (s *Schema) instruction() string {
	raw, _ := json.Marshal(s)
	return "\n\nRespond with JSON only, no prose and no markdown. " +
		"The JSON must conform to this schema:\n" + string(raw)
}

const retryInstruction = "\n\nYour previous answer could not be parsed. " +
	"Return ONLY a single valid JSON value matching the schema. " +
	"Do not include explanations, code fences, or any text before or after the JSON."
