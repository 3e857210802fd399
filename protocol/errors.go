package protocol

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

var (
	ErrModeConflict = errors.New("link unable to switch send/listen mode")
	ErrSendFailed   = errors.New("send failed")
	ErrNoResponse   = errors.New("no response")
	ErrInterrupted  = errors.New("listener interrupted")
	ErrPortInUse    = errors.New("port still in use by another listener")
)

// ProtocolError is returned by Send when the peer answered with an ERROR line.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "peer error: " + e.Detail
}

// Error kinds reported to peers as "ERROR <kind>: <description>".
const (
	KindMalformedLine     = "MalformedLine"
	KindUnknownCommand    = "UnknownCommand"
	KindInvalidArgument   = "InvalidArgument"
	KindVariableNotFound  = "VariableNotFound"
	KindNamespaceNotFound = "NamespaceNotFound"
	KindHandlerPanic      = "HandlerPanic"
	KindFailure           = "Failure"
)

// CommandError is a classified failure of a received command.
type CommandError struct {
	Kind string
	Msg  string
}

func (e *CommandError) Error() string {
	return e.Kind + ": " + e.Msg
}

// Errorf builds a CommandError of the given kind.
func Errorf(kind, format string, args ...interface{}) *CommandError {
	return &CommandError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// describe renders err as "<kind>: <first line of message>".
func describe(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind + ": " + firstLine(ce.Msg)
	}
	return KindFailure + ": " + firstLine(err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address")
}
