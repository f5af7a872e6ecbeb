package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionBefore(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"2.10", true},
		{"2.10.7", true},
		{"2.11", false},
		{"2.11-rc1", false},
		{"2.9-rc2", true},
		{"3.0.0", false},
		{"1.9", true},
		{"", false},
		{"dev", false},
		{"x.y", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionBefore(tt.version, 2, 11), tt.version)
	}
}

func TestLabelValue(t *testing.T) {
	for in, want := range map[string]int{"+2": 2, " 0": 0, "-1": -1, "1": 1} {
		v, ok := labelValue(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, v, in)
	}
	_, ok := labelValue("maybe")
	assert.False(t, ok)
}

func TestRemoteTime(t *testing.T) {
	var v struct {
		Created remoteTime `json:"created"`
		Updated remoteTime `json:"updated"`
		Empty   remoteTime `json:"empty"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{
		"created": "2024-03-01 10:00:00.123000000",
		"updated": "2024-03-01T12:00:00+02:00",
		"empty": ""
	}`), &v))

	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC), v.Created.Time)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), v.Updated.Time)
	assert.True(t, v.Empty.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"created": "yesterday"}`), &v))
}
