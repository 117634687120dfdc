// Package study is the study lifecycle aggregate: the status state machine,
// the pure command decider and the fold that rebuilds state from events.
//
// Deciders never perform I/O; the engine loads state by folding the stream,
// asks Decide for a decision and appends the resulting events.
package study
