package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"debug", "debug", false},
		{"INFO", "info", false},
		{"", "info", false},
		{"Warn", "warn", false},
		{"ERROR", "error", false},
		{"verbose", "info", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, lvl.String())
		})
	}
}

func TestZapLogger_WithFields(t *testing.T) {
	l, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	child := l.WithField("component", "test").WithFields(map[string]interface{}{"ticker": "RITC"})
	require.NotNil(t, child)

	// odd field counts must not panic
	child.Info("message", "orphan")
	child.Debug("message", 1, "non-string key")

	_, err = NewZapLogger("bogus")
	assert.Error(t, err)
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Warn("dropped", "k", "v")
	assert.Equal(t, zap.NewNop().Core().Enabled(zap.InfoLevel), l.logger.Core().Enabled(zap.InfoLevel))
}
