package logger

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected log.Level
		wantErr  bool
	}{
		{"debug", log.DebugLevel, false},
		{" INFO ", log.InfoLevel, false},
		{"warning", log.WarnLevel, false},
		{"warn", log.WarnLevel, false},
		{"error", log.ErrorLevel, false},
		{"verbose", log.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestInitLog(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, InitLog("debug", false))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	err := InitLog("chatty", false)
	assert.Error(t, err)
	assert.Equal(t, log.InfoLevel, log.GetLevel(), "invalid level falls back to info")

	assert.Equal(t, "UPSTREAM", UpstreamLog.Data["category"])
	assert.Equal(t, moduleNameTrafficd, MainLog.Data["module"])
}
