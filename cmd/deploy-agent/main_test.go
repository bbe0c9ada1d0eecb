package main

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetrics(t *testing.T) {
	m, err := parseMetrics(`{"dp.name":"web","job.id":7}`)
	require.NoError(t, err)
	assert.Equal(t, "web", m["dp.name"])
	assert.Equal(t, json.Number("7"), m["job.id"])

	m, err = parseMetrics("")
	require.NoError(t, err)
	assert.Nil(t, m)

	for _, bad := range []string{"{", "null", "[]"} {
		_, err := parseMetrics(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":8080")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	_, err = listenPort("localhost")
	assert.Error(t, err)
}
