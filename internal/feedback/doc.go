// Package feedback tunes optimizer parameters from streamed performance
// signals.
//
// Producers call Learner.Submit from any goroutine. A single consumer drains
// the queue in batches and hands each batch to the registered algorithms
// (reinforcement and pattern recognition). Their proposed actions are
// applied in order to per-component profiles, clamped to each parameter's
// bounds, and then published to subscribers.
//
// A global learning phase derived from the recent performance trend scales
// the learning and exploration rates. A maintenance loop refreshes each
// profile's stability score and adaptation rate, trims history, and
// persists profiles when a profilestore.Store is configured.
package feedback
