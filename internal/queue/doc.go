/*
Queue drains asynchronous document writes with bounded memory.

# Module
  - queue: slot-bounded intake with Block/FailFast backpressure
  - workers: path-sharded drain loops with retry and backoff

# Source
  - write tasks enqueued by the statesync client

# Produce
  - store writes in per-path submission order
  - dead-letter records for fatal or exhausted tasks

# Sharded
  - document path
*/
package queue
