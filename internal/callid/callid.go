package callid

import (
	"regexp"
	"strings"
)

// Type identifies which call-log format an identifier belongs to.
type Type string

const (
	// TypeA is a composite numeric dialer id such as 1769423875.1860.
	TypeA Type = "dialer"
	// TypeB is a hex-only lead call id such as e5dda4626ae0e6b685765fc4490ac9ed.
	TypeB   Type = "S2L"
	Unknown Type = "unknown"
)

var (
	typeAPattern = regexp.MustCompile(`^\d+\.\d+$`)
	typeBPattern = regexp.MustCompile(`^[a-f0-9]+$`)
)

// Classify maps an identifier to its Type based on its shape alone.
func Classify(id string) Type {
	switch {
	case id == "":
		return Unknown
	case typeAPattern.MatchString(id):
		return TypeA
	case !strings.Contains(id, ".") && typeBPattern.MatchString(id):
		return TypeB
	default:
		return Unknown
	}
}

// String returns the wire name of the type.
func (t Type) String() string {
	if t == "" {
		return string(Unknown)
	}
	return string(t)
}
