// internal/logging/testing.go
package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger backed by an in-memory observer, for asserting on
// what a component logged. Hand Underlying() or ForComponent() to the code
// under test.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger observes every level down to Trace with sampling off.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

func (t *TestLogger) Reset() { t.observed.TakeAll() }

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Component returns entries written through ForComponent(name).
func (t *TestLogger) Component(name string) *observer.ObservedLogs {
	return t.observed.FilterField(zap.String("component", name))
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	n := t.FilterMessage(msg).FilterLevelExact(level).Len()
	return assert.Positive(tb, n, "no %v entry containing %q", level, msg)
}

// AssertNotLogged fails tb if any entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) bool {
	tb.Helper()
	n := t.FilterMessage(msg).FilterLevelExact(level).Len()
	return assert.Zero(tb, n, "unexpected %v entry containing %q", level, msg)
}

// AssertField fails tb unless some entry containing msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) bool {
	tb.Helper()
	var seen []any
	for _, e := range t.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok {
			if assert.ObjectsAreEqual(want, got) {
				return true
			}
			seen = append(seen, got)
		}
	}
	return assert.Fail(tb, "field not found",
		"%q=%v not logged with %q (saw %v)", key, want, msg, seen)
}

// AssertTraceCorrelation fails tb unless an entry containing msg has a trace_id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) bool {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if _, ok := e.ContextMap()["trace_id"]; ok {
			return true
		}
	}
	return assert.Fail(tb, "missing trace_id", "no entry containing %q has trace_id", msg)
}
