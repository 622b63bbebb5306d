package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ValueType tags the kind of data a field value carries.
type ValueType int

const (
	ValueNull ValueType = iota
	ValueText
	ValueNumber
)

// Value is a tagged field value: text, number, or null. Extracted field maps
// are never stored as open-ended dynamic objects; every value is one of these.
type Value struct {
	Type   ValueType
	Text   string
	Number float64
}

// NullValue returns the null value.
func NullValue() Value {
	return Value{Type: ValueNull}
}

// TextValue returns a text value. Empty strings stay text, not null;
// callers decide whether empty means absent.
func TextValue(s string) Value {
	return Value{Type: ValueText, Text: s}
}

// NumberValue returns a numeric value.
func NumberValue(f float64) Value {
	return Value{Type: ValueNumber, Number: f}
}

// IsNull reports whether the value is null or an empty string.
func (v Value) IsNull() bool {
	return v.Type == ValueNull || (v.Type == ValueText && v.Text == "")
}

// String renders the value for logs and captions.
func (v Value) String() string {
	switch v.Type {
	case ValueText:
		return v.Text
	case ValueNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as its plain JSON form (string, number, or null).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueText:
		return json.Marshal(v.Text)
	case ValueNumber:
		return json.Marshal(v.Number)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a plain JSON scalar back into a tagged value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case nil:
		*v = NullValue()
	case string:
		*v = TextValue(val)
	case float64:
		*v = NumberValue(val)
	case bool:
		*v = TextValue(strconv.FormatBool(val))
	default:
		return fmt.Errorf("unsupported field value type %T", raw)
	}
	return nil
}

// FieldMap maps template field names to tagged values.
type FieldMap map[string]Value

// Value implements the driver.Valuer interface for database serialization.
func (m FieldMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *FieldMap) Scan(value interface{}) error {
	if value == nil {
		*m = FieldMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan FieldMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// FloatArray stores a float slice as JSON, used for image bounding boxes.
type FloatArray []float64

// Value implements the driver.Valuer interface for database serialization.
func (a FloatArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *FloatArray) Scan(value interface{}) error {
	if value == nil {
		*a = FloatArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan FloatArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// CountMap stores per-kind entity counts as JSON.
type CountMap map[string]int

// Value implements the driver.Valuer interface for database serialization.
func (c CountMap) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (c *CountMap) Scan(value interface{}) error {
	if value == nil {
		*c = CountMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan CountMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, c)
}
