package memory

import (
	"testing"

	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/storagetest"
)

func TestJournal(t *testing.T) {
	storagetest.RunJournal(t, func(*testing.T) storage.EventStore { return NewJournal(nil) })
}

func TestReadStore(t *testing.T) {
	storagetest.RunReadStore(t, func(*testing.T) storage.ReadStore { return NewReadStore() })
}

func TestLegacyStudies(t *testing.T) {
	storagetest.RunLegacy(t, func(*testing.T) storage.LegacyStudyStore { return NewReadStore() })
}
