// Package logging builds the zap logger used across weightopt.
//
// The composition root creates one Logger from Config and hands each core
// component its own *zap.Logger via ForComponent, so every entry carries a
// "component" field (matrix_transformer, gating_engine, feedback_learner,
// coordinator). Components never depend on Logger itself; they pass their
// context through ZapFields to pick up trace_id, model.id, layer.id and
// request.id.
//
// Console output defaults to stderr so CLI reports on stdout stay valid
// JSON. With Output.OTEL set, entries are also bridged to the OpenTelemetry
// log provider through otelzap.
//
// Sampling is per level: gating logs a debug line per decision, so debug is
// capped at 10 per tick while errors are never sampled.
//
// Tests use NewTestLogger:
//
//	tl := logging.NewTestLogger()
//	engine, err := gating.NewEngine(cfg, gating.WithLogger(tl.ForComponent("gating_engine")))
//	...
//	assert.Equal(t, 1, tl.Component("gating_engine").Len())
//	tl.AssertField(t, "gating decision", "strategy", "top_k")
package logging
