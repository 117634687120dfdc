// Package event defines the canonical event envelope and event-type registry used by
// the study write path.
//
// Events are immutable facts emitted by accepted decisions. The registry checks
// type registration, stream addressing and payload validity before a journal
// assigns sequence and integrity fields.
package event
