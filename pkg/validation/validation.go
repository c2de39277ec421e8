// Package validation implements the declarative per-endpoint request
// validator: typed field rules with sanitization, unknown-field rejection,
// and PII detection.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/inkwell-ai/inkwell/pkg/apperr"
	"github.com/inkwell-ai/inkwell/pkg/pii"
)

// FieldType of a schema field
type FieldType string

// Field types
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeUUID    FieldType = "uuid"
	TypeEmail   FieldType = "email"
	TypeURL     FieldType = "url"
)

// Rule describes one field's constraints
type Rule struct {
	Required      bool
	Type          FieldType
	MinLength     int
	MaxLength     int
	Min           *float64
	Max           *float64
	Pattern       *regexp.Regexp
	AllowedValues []string
	Sanitize      bool
	RejectPII     bool
	// OversizeIsPayload reports length violations as payload-too-large
	// instead of plain validation failures
	OversizeIsPayload bool
	// Custom runs after all declarative checks pass
	Custom func(value interface{}) error
}

// Schema describes one endpoint's request body
type Schema struct {
	Fields map[string]Rule
}

// Validator applies schemas to decoded request bodies
type Validator struct {
	formats  *validator.Validate
	detector *pii.Detector
}

// New creates a validator
func New() *Validator {
	return &Validator{
		formats:  validator.New(),
		detector: pii.NewDetector(),
	}
}

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

// SanitizeString strips control characters and HTML tags and normalizes
// whitespace.
func SanitizeString(s string) string {
	s = htmlTagRegex.ReplaceAllString(s, "")
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Validate checks body against the schema, sanitizing in place. Unknown
// fields are rejected. The returned error is a validation-kind apperr with
// sanitized details, or a payload-too-large apperr when an OversizeIsPayload
// field exceeds its maximum length.
func (v *Validator) Validate(body map[string]interface{}, schema Schema) error {
	for field := range body {
		if _, known := schema.Fields[field]; !known {
			return apperr.New(apperr.KindValidation, "unknown_field",
				fmt.Sprintf("unknown field: %s", field))
		}
	}

	for field, rule := range schema.Fields {
		value, present := body[field]
		if !present || value == nil {
			if rule.Required {
				return apperr.New(apperr.KindValidation, "missing_field",
					fmt.Sprintf("missing required field: %s", field))
			}
			continue
		}

		checked, err := v.checkField(field, value, rule)
		if err != nil {
			return err
		}
		body[field] = checked
	}

	return nil
}

func (v *Validator) checkField(field string, value interface{}, rule Rule) (interface{}, error) {
	fail := func(code, msg string) error {
		return apperr.New(apperr.KindValidation, code, fmt.Sprintf("%s: %s", field, msg))
	}

	switch rule.Type {
	case TypeString, TypeUUID, TypeEmail, TypeURL:
		s, ok := value.(string)
		if !ok {
			return nil, fail("wrong_type", "expected a string")
		}
		// The upper bound is measured in runes on the raw value, before
		// sanitization can shrink it under the limit.
		if rule.MaxLength > 0 && utf8.RuneCountInString(s) > rule.MaxLength {
			if rule.OversizeIsPayload {
				return nil, apperr.New(apperr.KindPayloadTooLarge, "too_long",
					fmt.Sprintf("%s: must be at most %d characters", field, rule.MaxLength))
			}
			return nil, fail("too_long", fmt.Sprintf("must be at most %d characters", rule.MaxLength))
		}
		if rule.Sanitize {
			s = SanitizeString(s)
		}
		if rule.MinLength > 0 && utf8.RuneCountInString(s) < rule.MinLength {
			return nil, fail("too_short", fmt.Sprintf("must be at least %d characters", rule.MinLength))
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
			return nil, fail("bad_format", "does not match the expected format")
		}
		if len(rule.AllowedValues) > 0 && !contains(rule.AllowedValues, s) {
			return nil, fail("bad_value", "is not one of the allowed values")
		}
		if err := v.checkFormat(s, rule.Type); err != nil {
			return nil, fail("bad_format", err.Error())
		}
		if rule.RejectPII {
			if kind, found := v.detector.Detect(s); found {
				return nil, fail("pii_detected",
					fmt.Sprintf("appears to contain personal information (%s); please remove it", kind))
			}
		}
		if rule.Custom != nil {
			if err := rule.Custom(s); err != nil {
				return nil, fail("invalid", err.Error())
			}
		}
		return s, nil

	case TypeNumber:
		n, ok := value.(float64)
		if !ok {
			if i, isInt := value.(int); isInt {
				n = float64(i)
			} else {
				return nil, fail("wrong_type", "expected a number")
			}
		}
		if rule.Min != nil && n < *rule.Min {
			return nil, fail("too_small", fmt.Sprintf("must be at least %v", *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			return nil, fail("too_large", fmt.Sprintf("must be at most %v", *rule.Max))
		}
		if rule.Custom != nil {
			if err := rule.Custom(n); err != nil {
				return nil, fail("invalid", err.Error())
			}
		}
		return n, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fail("wrong_type", "expected a boolean")
		}
		return b, nil

	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fail("wrong_type", "expected an array")
		}
		if rule.MaxLength > 0 && len(arr) > rule.MaxLength {
			return nil, fail("too_long", fmt.Sprintf("must have at most %d items", rule.MaxLength))
		}
		if rule.Custom != nil {
			if err := rule.Custom(arr); err != nil {
				return nil, fail("invalid", err.Error())
			}
		}
		return arr, nil

	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fail("wrong_type", "expected an object")
		}
		if rule.Custom != nil {
			if err := rule.Custom(obj); err != nil {
				return nil, fail("invalid", err.Error())
			}
		}
		return obj, nil

	default:
		return value, nil
	}
}

func (v *Validator) checkFormat(s string, fieldType FieldType) error {
	switch fieldType {
	case TypeUUID:
		if err := v.formats.Var(s, "uuid4"); err != nil {
			return fmt.Errorf("expected a UUID")
		}
	case TypeEmail:
		if err := v.formats.Var(s, "email"); err != nil {
			return fmt.Errorf("expected an email address")
		}
	case TypeURL:
		if err := v.formats.Var(s, "url"); err != nil {
			return fmt.Errorf("expected a URL")
		}
	}
	return nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
