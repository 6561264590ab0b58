package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	assert.NoError(t, Configure("dev", "debug"))
	assert.NoError(t, Configure("prod", "warn"))
	assert.Error(t, Configure("prod", "chatty"))
}

func TestSetAndGetLogger(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	noop := NewNoopLogger()
	SetLogger(noop)
	assert.Equal(t, noop, GetLogger())

	// Package helpers go through the replaced logger without panicking.
	Debug(map[string]any{"k": "v"}, "debug")
	Info(nil, "info")
	Warn(nil, "warn")
	Error(nil, "error")
}
