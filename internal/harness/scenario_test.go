package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Defaults(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
description: one device, one step
devices: [phone]
steps:
  - device: phone
    op: flush
`))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, DefaultAccount, s.Account)
	assert.Equal(t, int64(0), s.Start)
	require.Len(t, s.Steps, 1)
	assert.Nil(t, s.Steps[0].Expect)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\ndevices: [a]\nsteps: [{device: a, op: flush}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\ndevices: [a]\nsteps: [{device: a, op: flush}]\n",
			want: "description is required",
		},
		{
			name: "negative start",
			yaml: "name: n\ndescription: d\nstart: -1\ndevices: [a]\nsteps: [{device: a, op: flush}]\n",
			want: "start must be non-negative",
		},
		{
			name: "no devices",
			yaml: "name: n\ndescription: d\nsteps: [{device: a, op: flush}]\n",
			want: "devices list is required",
		},
		{
			name: "duplicate device",
			yaml: "name: n\ndescription: d\ndevices: [a, a]\nsteps: [{device: a, op: flush}]\n",
			want: `duplicate device "a"`,
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\ndevices: [a]\n",
			want: "steps list is required",
		},
		{
			name: "unknown op",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: teleport}]\n",
			want: `unknown op "teleport"`,
		},
		{
			name: "step without device",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{op: flush}]\n",
			want: "device is required for flush",
		},
		{
			name: "unknown step device",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: b, op: flush}]\n",
			want: `unknown device "b"`,
		},
		{
			name: "expect without case",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: flush, expect: {result: {confirmed: 0}}}]\n",
			want: "case is required",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: flush}]\nextra: true\n",
			want: "failed to parse YAML",
		},
		{
			name: "unknown assertion type",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: flush}]\nassertions: [{type: vibes}]\n",
			want: "vibes",
		},
		{
			name: "queue_len without device",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: flush}]\nassertions: [{type: queue_len}]\n",
			want: "assertions[0]",
		},
		{
			name: "converged on unsupported table",
			yaml: "name: n\ndescription: d\ndevices: [a]\nsteps: [{device: a, op: flush}]\nassertions: [{type: converged, table: goal}]\n",
			want: "assertions[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "offline_then_reconnect.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "offline_then_reconnect", s.Name)
	assert.Equal(t, []string{"phone", "tablet"}, s.Devices)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
