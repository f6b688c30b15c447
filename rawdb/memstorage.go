package rawdb

import "github.com/syndtr/goleveldb/leveldb/storage"

// newMemStorage returns a fresh in-memory goleveldb storage, used by
// OpenInMemory for tests.
func newMemStorage() storage.Storage {
	return storage.NewMemStorage()
}
