// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"errors"
	"io"
	"net"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
)

// enqueueActionsRequest is FrameEnqueueActions's body.
type enqueueActionsRequest struct {
	Instance InstanceID      `json:"instance"`
	QueueID  QueueID         `json:"queue_id"`
	Actions  []SidecarAction `json:"actions"`
}

// sendTraceV04Request is FrameSendTraceV04's body.
type sendTraceV04Request struct {
	SessionID string `json:"session_id"`
	Payload   []byte `json:"payload"`
}

// sessionRequest is the body shared by FrameFlushTraces, FrameShutdownSession,
// and any other session-scoped, argument-less request.
type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// shutdownRuntimeRequest is FrameShutdownRuntime's body.
type shutdownRuntimeRequest struct {
	Instance InstanceID `json:"instance"`
}

// responseBody is FrameResponse's body: either an error string, or one of
// the typed payloads below.
type responseBody struct {
	Error string        `json:"error,omitempty"`
	Stats *SidecarStats `json:"stats,omitempty"`
	Dump  string        `json:"dump,omitempty"`
}

// Serve accepts connections on l, handling each on its own goroutine until
// l is closed. Every frame read from a connection is answered with exactly
// one FrameResponse: handled kinds are dispatched to the matching Server
// method, and a kind with no handler (FrameSetSessionConfig among them) gets
// an error response (spec
// §6's length-delimited IPC framing, built only far enough to exercise the
// request variants named in spec §4.9).
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Debug("sidecar: reading frame: %s", err)
			}
			return
		}
		resp := s.dispatchFrame(frame)
		out, err := EncodeFrame(FrameResponse, resp)
		if err != nil {
			log.Debug("sidecar: encoding response frame: %s", err)
			return
		}
		if err := WriteFrame(conn, out); err != nil {
			log.Debug("sidecar: writing response frame: %s", err)
			return
		}
	}
}

func (s *Server) dispatchFrame(frame Frame) responseBody {
	switch frame.Kind {
	case FrameEnqueueActions:
		var req enqueueActionsRequest
		if err := frame.Decode(&req); err != nil {
			return responseBody{Error: err.Error()}
		}
		s.EnqueueActions(req.Instance, req.QueueID, req.Actions)
		return responseBody{}

	case FrameSendTraceV04:
		var req sendTraceV04Request
		if err := frame.Decode(&req); err != nil {
			return responseBody{Error: err.Error()}
		}
		if err := s.SendTraceV04(req.SessionID, req.Payload); err != nil {
			return responseBody{Error: err.Error()}
		}
		return responseBody{}

	case FrameFlushTraces:
		var req sessionRequest
		if err := frame.Decode(&req); err != nil {
			return responseBody{Error: err.Error()}
		}
		s.FlushTraces(req.SessionID)
		return responseBody{}

	case FrameShutdownRuntime:
		var req shutdownRuntimeRequest
		if err := frame.Decode(&req); err != nil {
			return responseBody{Error: err.Error()}
		}
		s.ShutdownRuntime(req.Instance)
		return responseBody{}

	case FrameShutdownSession:
		var req sessionRequest
		if err := frame.Decode(&req); err != nil {
			return responseBody{Error: err.Error()}
		}
		s.ShutdownSession(req.SessionID)
		return responseBody{}

	case FramePing:
		s.Ping()
		return responseBody{}

	case FrameStats:
		stats := s.Stats()
		return responseBody{Stats: &stats}

	case FrameDump:
		return responseBody{Dump: s.Dump()}

	default:
		return responseBody{Error: "sidecar: unknown frame kind"}
	}
}
