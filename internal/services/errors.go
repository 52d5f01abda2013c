// Package services holds error types shared by the external service clients.
package services

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// UnreachableError indicates a backend could not be contacted at all. The
// message always carries the endpoint so operators can spot misconfiguration
// from a single log line.
type UnreachableError struct {
	Service  string
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s unreachable at %s: %v", e.Service, e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Unreachable wraps a transport failure against the named service.
func Unreachable(service, endpoint string, err error) error {
	return &UnreachableError{Service: service, Endpoint: endpoint, Err: err}
}

// IsUnreachable reports whether err stems from an unreachable backend.
func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}

// MalformedError indicates a backend answered but the payload could not be
// decoded. Only the payload size is recorded, never the payload itself.
type MalformedError struct {
	Service   string
	Operation string
	Size      int
	Err       error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s %s: malformed payload (%d bytes): %v", e.Service, e.Operation, e.Size, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Malformed wraps a decode failure against the named service operation.
func Malformed(service, operation string, size int, err error) error {
	return &MalformedError{Service: service, Operation: operation, Size: size, Err: err}
}

// IsMalformed reports whether err stems from an undecodable payload.
func IsMalformed(err error) bool {
	var target *MalformedError
	return errors.As(err, &target)
}

const snippetLimit = 160

// Snippet condenses a raw payload to a short single-line excerpt suitable
// for error messages.
func Snippet(payload string) string {
	collapsed := strings.Join(strings.Fields(payload), " ")
	if utf8.RuneCountInString(collapsed) <= snippetLimit {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:snippetLimit]) + "…"
}
