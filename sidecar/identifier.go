// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package sidecar implements the sidecar server: a Session -> Runtime ->
// Application hierarchy reached over one IPC channel per connection, with a
// session interceptor that reference-counts in-flight requests and shuts a
// session down once its last request completes (spec §4.9).
package sidecar

import (
	"fmt"

	"github.com/google/uuid"
)

// InstanceID names one runtime within one session. RuntimeID is a UUID-v4
// string, as every tracer's runtime-id is.
type InstanceID struct {
	SessionID string
	RuntimeID string
}

func (i InstanceID) String() string { return i.SessionID + "/" + i.RuntimeID }

// NewRuntimeID generates a fresh UUID-v4 runtime id, for callers that need
// to mint one rather than receive it from a connecting tracer.
func NewRuntimeID() string {
	return uuid.NewString()
}

// ValidRuntimeID reports whether id parses as a UUID, rejecting malformed
// identifiers before they're used as a map key.
func ValidRuntimeID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// RequestIdentifier is the sum type every inbound request carries: either a
// bare SessionID or a full InstanceID (session + runtime). Grounded on the
// Rust RequestIdentification trait object, expressed here as a small
// interface implemented by two concrete types rather than a trait object,
// since Go has no generic downcasting machinery to match against.
type RequestIdentifier interface {
	// Session returns the session id this request belongs to.
	Session() string
	fmt.Stringer
}

// SessionIdentifier is a RequestIdentifier naming only a session.
type SessionIdentifier struct{ ID string }

func (s SessionIdentifier) Session() string { return s.ID }
func (s SessionIdentifier) String() string  { return s.ID }

// InstanceIdentifier is a RequestIdentifier naming a session and runtime.
type InstanceIdentifier struct{ InstanceID }

func (i InstanceIdentifier) Session() string { return i.SessionID }
func (i InstanceIdentifier) String() string  { return i.InstanceID.String() }
