// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameKind tags the body of a Frame so a reader can decode it without
// out-of-band schema negotiation (spec §6: a length-delimited framing over
// the IPC channel, one JSON body per frame).
type FrameKind uint8

const (
	FrameEnqueueActions FrameKind = iota
	FrameSetSessionConfig
	FrameSendTraceV04
	FrameFlushTraces
	FrameShutdownRuntime
	FrameShutdownSession
	FramePing
	FrameStats
	FrameDump
	FrameResponse
)

const maxFrameBody = 64 << 20 // 64MiB, well above any single trace payload

// Frame is one length-delimited IPC message: a 4-byte big-endian length
// (body length plus one for the kind byte), a 1-byte kind tag, then the
// JSON-encoded body.
type Frame struct {
	Kind FrameKind
	Body []byte
}

// WriteFrame writes f to w as [len(body)+1][kind][body].
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Body)+1))
	header[4] = byte(f.Kind)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("sidecar: writing frame header: %w", err)
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return fmt.Errorf("sidecar: writing frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, blocking until a full frame (or an
// error) arrives.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("sidecar: empty frame (missing kind byte)")
	}
	if n > maxFrameBody {
		return Frame{}, fmt.Errorf("sidecar: frame body of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("sidecar: reading frame body: %w", err)
	}
	return Frame{Kind: FrameKind(buf[0]), Body: buf[1:]}, nil
}

// EncodeFrame JSON-marshals v into a Frame of the given kind.
func EncodeFrame(kind FrameKind, v any) (Frame, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("sidecar: encoding frame body: %w", err)
	}
	return Frame{Kind: kind, Body: body}, nil
}

// Decode JSON-unmarshals the frame's body into v.
func (f Frame) Decode(v any) error {
	if len(f.Body) == 0 {
		return nil
	}
	return json.Unmarshal(f.Body, v)
}
