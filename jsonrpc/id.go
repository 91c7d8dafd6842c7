package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// MaxSafeInteger is the largest integer a JSON number can carry without losing precision
// in IEEE-754 doubles. Numeric IDs beyond it are rejected on parse.
const MaxSafeInteger = 1<<53 - 1

// ID identifies a request. It is either a string or an integer; the zero value means "absent"
// and is encoded as null (only valid for responses to unreadable requests).
//
// IDs are opaque: two IDs are equal only if both kind and value match, so "1" and 1 differ.
type ID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

var errInvalidID = errors.New("invalid id")

// StringID returns an ID holding s.
func StringID(s string) ID {
	return ID{str: s, set: true}
}

// NumberID returns an ID holding n.
func NumberID(n int64) ID {
	return ID{num: n, isNum: true, set: true}
}

// IsZero reports whether the ID is absent.
func (id ID) IsZero() bool { return !id.set }

// IsNumber reports whether the ID holds an integer.
func (id ID) IsNumber() bool { return id.set && id.isNum }

// Number returns the integer value and whether the ID is numeric.
func (id ID) Number() (int64, bool) { return id.num, id.IsNumber() }

func (id ID) String() string {
	switch {
	case !id.set:
		return "null"
	case id.isNum:
		return strconv.FormatInt(id.num, 10)
	default:
		return id.str
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isNum:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	default:
		return json.Marshal(id.str)
	}
}

// UnmarshalJSON implements json.Unmarshaler. It accepts strings and integral numbers within
// the safe integer range, and null (which leaves the ID absent).
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %w", errInvalidID, err)
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: must be a string or a number", errInvalidID)
	}
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return fmt.Errorf("%w: fractional number %s", errInvalidID, n)
		}
		if math.Abs(f) > MaxSafeInteger {
			return fmt.Errorf("%w: %s exceeds safe integer range", errInvalidID, n)
		}
		i = int64(f)
	}
	if i > MaxSafeInteger || i < -MaxSafeInteger {
		return fmt.Errorf("%w: %d exceeds safe integer range", errInvalidID, i)
	}
	*id = NumberID(i)
	return nil
}
