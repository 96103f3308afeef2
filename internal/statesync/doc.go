/*
Statesync moves trading state between the agent and the remote document store.

# Module
  - client: facade over pool, queue and subscriptions
  - config: full construction-time configuration surface

# Source
  - documents written by the trading agent (positions, risk counters,
    model checkpoints)
  - change events pushed by the remote store

# Produce
  - durable writes with per-path ordering
  - change-event callbacks per subscribed path

One client instance per process, built at the composition root.
*/
package statesync
