package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an event. Logger fields are applied before call
// fields, so a call can override a key fixed with With.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field {
	return func(e *zerolog.Event) { e.Bool(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a captured goroutine stack, skipping empty ones.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Occurrence keys.
const (
	keyMsgID    = "msg_id"
	keyProvider = "provider"
	keyAttempt  = "attempt"
	keyStatus   = "status"
)

// MsgID names the scheduled message an event belongs to.
func MsgID(id string) Field { return String(keyMsgID, id) }

// Provider names the gateway involved.
func Provider(name string) Field { return String(keyProvider, name) }

// Attempt is the 1-based provider call index within an occurrence.
func Attempt(n int) Field { return Int(keyAttempt, n) }

// Status takes any string-backed status type.
func Status[S ~string](s S) Field { return String(keyStatus, string(s)) }
