package maintenance

import (
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

// closableJournal extends EventStore with a Close method for resource cleanup.
type closableJournal interface {
	storage.EventStore
	Close() error
}

// closableReadStore extends ReadStore with a Close method for resource cleanup.
type closableReadStore interface {
	storage.ReadStore
	Close() error
}
