package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write error classes reported in store failure logs and metrics.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// writeErrorRule matches on the error chain or on its lower-cased text.
type writeErrorRule struct {
	class   string
	typed   func(err error) bool
	phrases []string
}

// Rules are tried in order. Timeouts come before connection errors since a
// net.Error can be both.
var writeErrorRules = []writeErrorRule{
	{
		class: WriteErrorClassTimeout,
		typed: func(err error) bool {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return true
			}
			var netErr net.Error
			return errors.As(err, &netErr) && netErr.Timeout()
		},
	},
	{
		class: WriteErrorClassConnection,
		typed: func(err error) bool {
			var opErr *net.OpError
			return errors.As(err, &opErr) ||
				errors.Is(err, syscall.ECONNREFUSED) ||
				errors.Is(err, syscall.ECONNRESET) ||
				errors.Is(err, syscall.ECONNABORTED)
		},
		phrases: []string{"connection refused", "broken pipe", "no such host"},
	},
	{
		class:   WriteErrorClassTimeout,
		phrases: []string{"timeout", "deadline exceeded"},
	},
	{
		class:   WriteErrorClassContention,
		phrases: []string{"sqlite_busy", "database is locked"},
	},
	{
		class: WriteErrorClassConstraint,
		phrases: []string{
			"unique constraint failed",
			"not null constraint failed",
			"violates unique constraint",
			"violates not-null constraint",
			"duplicate key",
		},
	},
}

// ClassifyWriteError maps a store error to one of the classes above.
// Postgres SQLSTATE codes win over every other signal.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}
	if class, ok := postgresErrorClass(err); ok {
		return class
	}

	for _, rule := range writeErrorRules {
		if rule.typed != nil && rule.typed(err) {
			return rule.class
		}
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range writeErrorRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(msg, phrase) {
				return rule.class
			}
		}
	}
	return WriteErrorClassUnknown
}
