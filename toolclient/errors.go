package toolclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("toolclient: client closed")

// ConnectionExhaustedError is returned once the reconnect budget is spent.
type ConnectionExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ConnectionExhaustedError) Error() string {
	return fmt.Sprintf("tool service unreachable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ConnectionExhaustedError) Unwrap() error {
	return e.Last
}

// ErrorClass groups failures for retry decisions.
type ErrorClass struct {
	Code      string
	Transient bool
}

// Classify decides whether an error from the transport is worth a reconnect
// and replay. Anything not recognised as connectivity-shaped is permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClass{Code: "none"}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorClass{Code: "canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClass{Code: "timeout", Transient: true}
	case errors.Is(err, mcp.ErrConnectionClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ErrorClass{Code: "connection_closed", Transient: true}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return ErrorClass{Code: "transport_transient", Transient: true}
	}

	// The server answered: a JSON-RPC error reply is never retried.
	if isRPCReply(err) {
		return ErrorClass{Code: "rpc_error"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorClass{Code: "timeout", Transient: true}
		}
		return ErrorClass{Code: "network", Transient: true}
	}

	normalized := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case hasAny(normalized, "i/o timeout", "deadline exceeded", "tls handshake timeout"):
		return ErrorClass{Code: "timeout", Transient: true}
	case hasAny(normalized, "connection reset by peer", "broken pipe", "connection refused",
		"use of closed network connection", "no such host", "unexpected eof"),
		normalized == "eof", strings.HasSuffix(normalized, ": eof"):
		return ErrorClass{Code: "transport_transient", Transient: true}
	case hasAny(normalized, "status 502", "status 503", "status 504", "502 bad gateway",
		"503 service unavailable", "504 gateway timeout"):
		return ErrorClass{Code: "upstream_unavailable", Transient: true}
	default:
		return ErrorClass{Code: "remote"}
	}
}

func hasAny(s string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isRPCReply reports whether the chain holds the go-sdk's JSON-RPC wire
// error. The type lives in an internal package, so it is matched by name.
func isRPCReply(err error) bool {
	var found bool
	walkChain(err, func(e error) bool {
		t := reflect.TypeOf(e)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Name() == "WireError" && strings.HasSuffix(t.PkgPath(), "/jsonrpc2") {
			found = true
		}
		return !found
	})
	return found
}

func walkChain(err error, visit func(error) bool) bool {
	if err == nil {
		return true
	}
	if !visit(err) {
		return false
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return walkChain(u.Unwrap(), visit)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if !walkChain(e, visit) {
				return false
			}
		}
	}
	return true
}

// IsTransient reports whether err is connectivity-shaped.
func IsTransient(err error) bool {
	return Classify(err).Transient
}
