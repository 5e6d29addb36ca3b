package kilat

import (
	"fmt"
	"log"
	"os"
)

// RequestState is the position of a Request in its lifecycle. Transitions
// are strictly monotonic: a request never revisits an earlier state, and
// exactly one of StateCompleted or StateFailed terminates it.
type RequestState int32

const (
	// StateCreated is the initial state of every request.
	StateCreated RequestState = iota
	// StateConnecting means a connection is being acquired or dialed.
	StateConnecting
	// StateHeadersSent means the request line and headers were written.
	StateHeadersSent
	// StateBodyStreaming means the request body is being written.
	StateBodyStreaming
	// StateAwaitingResponse means the write side finished and the response
	// is being decoded.
	StateAwaitingResponse
	// StateCompleted is the successful terminal state.
	StateCompleted
	// StateFailed is the unsuccessful terminal state, reachable from any
	// non-terminal state via failure or cancellation.
	StateFailed
)

// String returns the state name for logs and metrics.
func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateHeadersSent:
		return "headers_sent"
	case StateBodyStreaming:
		return "body_streaming"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// terminal reports whether the state ends the lifecycle.
func (s RequestState) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Option configures a Factory at construction time.
type Option func(*Factory)

// Logger is the minimal logging interface consumed by the factory. The
// library stays silent unless a logger is supplied.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// SimpleLogger writes leveled messages to stderr via the stdlib logger.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a console logger suitable for development.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{l: log.New(os.Stderr, "kilat ", log.LstdFlags|log.Lmicroseconds)}
}

// Debug logs at debug level.
func (s *SimpleLogger) Debug(msg string, args ...interface{}) { s.printf("DEBUG", msg, args...) }

// Info logs at info level.
func (s *SimpleLogger) Info(msg string, args ...interface{}) { s.printf("INFO", msg, args...) }

// Error logs at error level.
func (s *SimpleLogger) Error(msg string, args ...interface{}) { s.printf("ERROR", msg, args...) }

func (s *SimpleLogger) printf(level, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	s.l.Printf("[%s] %s", level, msg)
}

// supportedMethods are the HTTP methods the transport accepts. Anything
// else is rejected with InvalidArgument at request-creation time.
var supportedMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"OPTIONS": true,
	"TRACE":   true,
}
