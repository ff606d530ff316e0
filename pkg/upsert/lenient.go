package upsert

import (
	"encoding/json"
	"strconv"
	"strings"
)

// The flex types decode upstream fields whose JSON type varies between
// records. A value of the wrong kind decodes to the zero value instead of
// failing the record.

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	*s = ""
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var v string
		if json.Unmarshal(b, &v) == nil {
			*s = flexString(v)
		}
	case '{', '[', 'n':
	default:
		// numbers and booleans keep their literal text
		*s = flexString(b)
	}
	return nil
}

func (s flexString) String() string {
	return strings.TrimSpace(string(s))
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	*f = 0
	text := string(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if json.Unmarshal(b, &v) != nil {
			return nil
		}
		text = strings.TrimSpace(v)
	}
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		*f = flexFloat(n)
	}
	return nil
}

type flexInt int

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	_ = f.UnmarshalJSON(b)
	*i = flexInt(f)
	return nil
}

type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	*v = false
	switch text := strings.Trim(string(b), `"`); strings.ToLower(text) {
	case "true", "1", "yes":
		*v = true
	}
	return nil
}

// flexObject holds T when the field is a JSON object and T decodes.
type flexObject[T any] struct {
	V  T
	OK bool
}

func (o *flexObject[T]) UnmarshalJSON(b []byte) error {
	*o = flexObject[T]{}
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var v T
	if json.Unmarshal(b, &v) != nil {
		return nil
	}
	o.V, o.OK = v, true
	return nil
}

// flexList keeps the elements of a JSON array that decode as T objects.
// Anything else is dropped.
type flexList[T any] []T

func (l *flexList[T]) UnmarshalJSON(b []byte) error {
	*l = nil
	var elems []json.RawMessage
	if json.Unmarshal(b, &elems) != nil {
		return nil
	}
	for _, e := range elems {
		if len(e) == 0 || e[0] != '{' {
			continue
		}
		var v T
		if json.Unmarshal(e, &v) != nil {
			continue
		}
		*l = append(*l, v)
	}
	return nil
}
