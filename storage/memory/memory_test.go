package memory

import (
	"testing"

	"github.com/c0deZ3R0/quotesync/storage/storagetest"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func TestStoreContract(t *testing.T) {
	storagetest.RunRecordStore(t, func(t *testing.T) synckit.RecordStore { return NewStore() })
}

func TestJournalContract(t *testing.T) {
	storagetest.RunJournal(t, func(t *testing.T) synckit.ChangeJournal { return NewJournal() })
}
