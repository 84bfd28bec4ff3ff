// Package errors is this module's drop-in replacement for the standard
// library errors package, in the style of xray-core's common/errors: a
// chainable builder that carries a severity and an error taxonomy kind
// alongside the message.
package errors

import (
	"fmt"
	"strings"

	"github.com/ech-tunnel/echtun/common/log"
)

// Kind classifies an error for logging and callers that branch on
// failure category. It is not a type hierarchy — every *Error carries
// one Kind value, defaulting to KindUnspecified for ad-hoc errors that
// don't need classification.
type Kind int

const (
	KindUnspecified Kind = iota
	KindIoFault
	KindTlsFault
	KindEchDowngrade
	KindEchUnavailable
	KindAuthOrProtocol
	KindProtocolViolation
	KindTimeout
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindIoFault:
		return "IoFault"
	case KindTlsFault:
		return "TlsFault"
	case KindEchDowngrade:
		return "EchDowngrade"
	case KindEchUnavailable:
		return "EchUnavailable"
	case KindAuthOrProtocol:
		return "AuthOrProtocol"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindTimeout:
		return "Timeout"
	case KindExhausted:
		return "Exhausted"
	default:
		return "Unspecified"
	}
}

// Error is an error object with an optional inner error, a severity,
// and a taxonomy Kind.
type Error struct {
	message  []interface{}
	inner    error
	severity log.Severity
	kind     Kind
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.kind != KindUnspecified {
		b.WriteByte('[')
		b.WriteString(e.kind.String())
		b.WriteString("] ")
	}
	b.WriteString(fmt.Sprint(e.message...))
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap supports errors.Is / errors.As against the inner error.
func (e *Error) Unwrap() error {
	return e.inner
}

// Base sets the wrapped inner error and returns e for chaining.
func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

// AtKind tags e with a §7 taxonomy kind.
func (e *Error) AtKind(k Kind) *Error {
	e.kind = k
	return e
}

// Kind returns e's taxonomy kind.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) atSeverity(s log.Severity) *Error {
	e.severity = s
	return e
}

func (e *Error) AtDebug() *Error   { return e.atSeverity(log.SeverityDebug) }
func (e *Error) AtInfo() *Error    { return e.atSeverity(log.SeverityInfo) }
func (e *Error) AtWarning() *Error { return e.atSeverity(log.SeverityWarning) }
func (e *Error) AtError() *Error   { return e.atSeverity(log.SeverityError) }

// Severity returns e's severity, deferring to the inner error's if it
// also carries one and is more severe (lower value = more severe).
func (e *Error) Severity() log.Severity {
	if inner, ok := e.inner.(*Error); ok {
		if inner.severity < e.severity {
			return inner.severity
		}
	}
	return e.severity
}

// WriteToLog records e at its severity via common/log.
func (e *Error) WriteToLog() {
	log.Emit(log.Record{Severity: e.Severity(), Message: e.Error()})
}

// New builds a new *Error from the given message parts.
func New(msg ...interface{}) *Error {
	return &Error{message: msg, severity: log.SeverityInfo}
}

// Is reports whether err is an *Error tagged with kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.kind == k {
				return true
			}
			err = e.inner
			continue
		}
		break
	}
	return false
}
