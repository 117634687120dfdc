// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ReadHeader limits how long the metrics listener waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a service waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// ProjectionVisible is the default read-after-write wait used by callers
// that need their own writes reflected in the read model.
const ProjectionVisible = 5 * time.Second

// StoreOpen caps the time spent pinging a database while opening a store.
const StoreOpen = 10 * time.Second
