/*
Package events provides an in-memory event broker for farm pub/sub.

A single Broker fans farm events (job lifecycle, peer liveness, leader
changes, suspensions) out to buffered subscriber channels. Publishing
never blocks: the broker channel is buffered and a subscriber whose
buffer is full misses the event. Events are notifications, not state.
Every consumer must be able to rebuild from the store or registry.
*/
package events
