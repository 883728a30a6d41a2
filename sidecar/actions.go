// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import "github.com/DataDog/dd-trace-dataplane/telemetry"

// SidecarActionKind discriminates the actions EnqueueActions accepts.
// ClearQueueId is sidecar-scoped (it drops an Application entry outright,
// spec §4.9) and has no telemetry.ActionKind counterpart; the rest map
// directly onto telemetry.ActionKind.
type SidecarActionKind int

const (
	SidecarClearQueueID SidecarActionKind = iota
	SidecarTelemetryAddIntegration
	SidecarTelemetryAddComposerPath
	SidecarTelemetryAddConfig
	SidecarTelemetryStop
	SidecarPassThrough
)

// SidecarAction is one action in an EnqueueActions call.
type SidecarAction struct {
	Kind    SidecarActionKind
	Name    string
	Payload any
}

func (a SidecarAction) toTelemetry() telemetry.Action {
	switch a.Kind {
	case SidecarTelemetryAddIntegration:
		return telemetry.Action{Kind: telemetry.ActionAddIntegration, Name: a.Name}
	case SidecarTelemetryAddComposerPath:
		return telemetry.Action{Kind: telemetry.ActionAddComposerPath, Name: a.Name}
	case SidecarTelemetryAddConfig:
		return telemetry.Action{Kind: telemetry.ActionAddConfig}
	case SidecarTelemetryStop:
		return telemetry.Action{Kind: telemetry.ActionStop}
	default:
		return telemetry.Action{Kind: telemetry.ActionPassThrough, Payload: a.Payload}
	}
}
