// Package identity maps the identifiers callers hold onto canonical study
// stream ids.
//
// Older callers know a study by its integer legacy key. Canonical ids are
// derived from that key by name-based UUIDs, so every process computes the
// same id without coordination. Two derivations exist: the preferred SHA-1
// form and a historical MD5 form written by earlier deployments. Both are
// candidates when resolving; new streams always use the preferred form.
package identity
