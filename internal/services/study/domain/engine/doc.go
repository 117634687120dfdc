// Package engine runs the command write path: validate, load by replay,
// decide, validate emitted events and append them with an expected sequence.
//
// Append conflicts are retried by re-running the whole load-decide-append
// cycle, so a retried command is always decided against the state that
// includes the competing write.
package engine
