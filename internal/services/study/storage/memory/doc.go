// Package memory provides in-process implementations of the study storage
// interfaces for tests and single-process deployments.
package memory
