// Package projection builds the study read model from the event journal.
//
// The Applier turns one event into read-store writes and is safe to run more
// than once per event. The Engine decides which events to apply: it keeps a
// checkpoint per stream, catches streams up from the journal when notified,
// and serializes work per stream by hashing stream ids onto worker
// partitions.
package projection
