// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package exporter implements the trace exporter: it accepts inbound tracer
// payloads, optionally feeds them through client-side stats computation, and
// forwards them to the agent, reconciling its behavior against the agent's
// /info snapshot as it changes (spec §4.6).
package exporter

import "fmt"

// ErrorKind discriminates the exporter's closed error taxonomy (spec §4.6).
type ErrorKind int

const (
	ErrBuilderInvalidConfiguration ErrorKind = iota
	ErrBuilderInvalidURI
	ErrDeserialization
	ErrSerialization
	ErrAgentEmptyResponse
	ErrRequest
	ErrIO
)

// Error is the exporter's sum-type error. Only Request carries both Status
// and Body; Reason carries the human-readable detail for Deserialization,
// Serialization, and the builder kinds; IOKind names the failure for Io.
type Error struct {
	Kind   ErrorKind
	Reason string
	Status int
	Body   string
	IOKind string
	cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrBuilderInvalidConfiguration:
		return fmt.Sprintf("exporter: invalid configuration: %s", e.Reason)
	case ErrBuilderInvalidURI:
		return fmt.Sprintf("exporter: invalid agent uri: %s", e.Reason)
	case ErrDeserialization:
		return fmt.Sprintf("exporter: deserialization failed: %s", e.Reason)
	case ErrSerialization:
		return fmt.Sprintf("exporter: serialization failed: %s", e.Reason)
	case ErrAgentEmptyResponse:
		return "exporter: agent returned 200 with an empty body"
	case ErrRequest:
		return fmt.Sprintf("exporter: agent responded %d: %s", e.Status, e.Body)
	case ErrIO:
		return fmt.Sprintf("exporter: io error: %s", e.IOKind)
	default:
		return "exporter: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.cause }

func builderErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func deserializationErr(err error) *Error {
	return &Error{Kind: ErrDeserialization, Reason: err.Error(), cause: err}
}

func serializationErr(err error) *Error {
	return &Error{Kind: ErrSerialization, Reason: err.Error(), cause: err}
}

func requestErr(status int, body string) *Error {
	return &Error{Kind: ErrRequest, Status: status, Body: body}
}

func ioErr(kind string, err error) *Error {
	return &Error{Kind: ErrIO, IOKind: kind, cause: err}
}
