// Package ids generates the prefixed unique identifiers used across the
// engine. Every identifier is a short type prefix joined to a UUID so logs and
// store rows stay greppable by entity kind.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh identifier with the given prefix, e.g. New("run")
// yields "run-4f9d...". Dots in the prefix are replaced with dashes so
// dotted names can be embedded safely.
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return strings.ReplaceAll(prefix, ".", "-") + "-" + uuid.NewString()
}

// Run returns a workflow run identifier.
func Run() string { return New("run") }

// Token returns a workflow token identifier.
func Token() string { return New("tok") }

// Turn returns a conversation turn identifier.
func Turn() string { return New("turn") }

// Message returns a conversation message identifier.
func Message() string { return New("msg") }

// Move returns a turn move identifier.
func Move() string { return New("move") }

// Conversation returns a conversation identifier.
func Conversation() string { return New("conv") }

// Definition returns a definition identifier.
func Definition() string { return New("def") }

// Operation returns a dispatch correlation identifier.
func Operation() string { return New("op") }

// Event returns an event row identifier.
func Event() string { return New("evt") }

// Trace returns a trace row identifier.
func Trace() string { return New("trc") }
