// Package app assembles the study service: storage backend, notification
// bus, command dispatcher, projection engine, identifier resolver and
// read-after-write poller.
//
// Service is the only entry point callers need. It owns every resource it
// opens and releases them in Close.
package app
