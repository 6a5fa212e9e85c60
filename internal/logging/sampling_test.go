package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	base, observed := observer.New(TraceLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 2, Thereafter: 0},
		},
	})
	logger := zap.New(core)

	for i := 0; i < 10; i++ {
		logger.Info("same info")
		logger.Error("same error")
	}

	assert.Equal(t, 2, observed.FilterMessage("same info").Len())
	assert.Equal(t, 10, observed.FilterMessage("same error").Len())
}

func TestSampledCore_UnconfiguredLevelPassesThrough(t *testing.T) {
	base, observed := observer.New(TraceLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	})
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Warn("warn")
	}

	assert.Equal(t, 5, observed.FilterMessage("warn").Len())
}

func TestSampledCore_Disabled(t *testing.T) {
	base, _ := observer.New(TraceLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: false})
	assert.Equal(t, base, core)
}
