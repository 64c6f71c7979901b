package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseScenarioFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no flag returns default", []string{"mock-agent"}, "complete"},
		{"separate flag and value", []string{"mock-agent", "--scenario", "fail"}, "fail"},
		{"equals syntax", []string{"mock-agent", "--scenario=sleep"}, "sleep"},
		{"dangling flag without value", []string{"mock-agent", "--scenario"}, "complete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, parseScenarioFromArgs(tt.args))
		})
	}
}

func TestBuildRequest_Complete(t *testing.T) {
	raw, err := buildRequest("complete", "s1", []byte("do the thing"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "complete", decoded["type"])
	require.Equal(t, "s1", decoded["session_id"])
}

func TestBuildRequest_UnknownScenario(t *testing.T) {
	_, err := buildRequest("bogus", "s1", nil)
	require.Error(t, err)
}
