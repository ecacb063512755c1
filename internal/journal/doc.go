// Package journal records the lifecycle of every offloaded submission. It
// persists each transition to the store, keeps recently touched submissions in
// memory, and streams transitions to live subscribers.
package journal
