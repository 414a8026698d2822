package ir

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidID is returned when a value cannot serve as a row id.
var ErrInvalidID = errors.New("invalid row id")

// CanonicalID converts an id value to its one textual form.
//
// Strings are trimmed. Integers and integral numbers print in base 10,
// so String("7"), Int(7) and Number("7.0") all yield "7". Anything else
// (empty strings, fractions, bools, null, containers) is rejected.
// All id comparisons inside the engine are plain string equality on
// this form.
func CanonicalID(v Value) (string, error) {
	switch val := v.(type) {
	case String:
		s := strings.TrimSpace(string(val))
		if s == "" {
			return "", fmt.Errorf("%w: empty string", ErrInvalidID)
		}
		return s, nil
	case Int:
		return strconv.FormatInt(int64(val), 10), nil
	case Number:
		f, err := val.Float()
		if err != nil || f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
			return "", fmt.Errorf("%w: non-integral number %s", ErrInvalidID, string(val))
		}
		return strconv.FormatInt(int64(f), 10), nil
	case nil:
		return "", fmt.Errorf("%w: missing", ErrInvalidID)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidID, v)
	}
}
