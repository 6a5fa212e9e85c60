// Package optimizer wires the transformer, gating engine and feedback
// learner behind one Coordinator.
//
// # Overview
//
// The Coordinator is built by the composition root; there is no package
// state. It fetches layers from a WeightSource, transforms them
// concurrently with a bounded worker count, aggregates compression and
// accuracy estimates, and caches the per-model result.
//
// # Feedback loop
//
// When a feedback.Learner is attached, the Coordinator:
//   - emits efficiency and accuracy signals for the matrix transformer after
//     every successful optimization
//   - emits a compliance signal for the gating engine after every decision
//   - subscribes to learner actions and pushes the new values into the
//     gating engine, the activation suppression fraction and the default
//     rank fraction
//
// # Layer identity
//
// Transform and gating state is keyed by the qualified layer ID
// "<model>/<layer>", so layers of different models never share cache
// entries or history.
package optimizer
