// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-trace-dataplane/trace"
)

func TestBuildRequiresAgentURL(t *testing.T) {
	_, err := NewBuilder().Build()
	require.Error(t, err)
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, ErrBuilderInvalidConfiguration, exportErr.Kind)
}

func TestBuildRejectsInvalidURI(t *testing.T) {
	_, err := NewBuilder(WithAgentURL("://bad")).Build()
	require.Error(t, err)
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, ErrBuilderInvalidURI, exportErr.Kind)
}

func TestBuildRejectsV05ToV04Downgrade(t *testing.T) {
	_, err := NewBuilder(
		WithAgentURL("http://localhost:8126"),
		WithInputFormat(trace.FormatV05, false),
		WithOutputFormat(trace.FormatV04),
	).Build()
	require.Error(t, err)
}

func TestBuildRejectsProxyFormatChange(t *testing.T) {
	_, err := NewBuilder(
		WithAgentURL("http://localhost:8126"),
		WithInputFormat(trace.FormatV04, true),
		WithOutputFormat(trace.FormatV05),
	).Build()
	require.Error(t, err)
}

func TestBuildAcceptsValidConfiguration(t *testing.T) {
	exp, err := NewBuilder(
		WithAgentURL("http://localhost:8126"),
		WithInputFormat(trace.FormatV04, false),
		WithOutputFormat(trace.FormatV05),
		WithComputeStatsBySpanKind(true),
	).Build()
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, StatsDisabledByAgent, exp.statsState.State)
}

func TestBuildDisablesStatsForProxy(t *testing.T) {
	exp, err := NewBuilder(
		WithAgentURL("http://localhost:8126"),
		WithInputFormat(trace.FormatV04, true),
		WithOutputFormat(trace.FormatV04),
		WithComputeStatsBySpanKind(true),
	).Build()
	require.NoError(t, err)
	assert.Equal(t, StatsDisabled, exp.statsState.State)
}
