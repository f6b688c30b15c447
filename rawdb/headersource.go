package rawdb

import "github.com/ethereum/go-ethereum/core/types"

// HeaderReader implements downloader.HeaderSource directly off a Database,
// for the body downloader's need to resolve headers already on disk (spec
// §4.3) without contending with the pipeline's one write transaction: each
// lookup opens and releases its own point-in-time snapshot.
type HeaderReader struct {
	db *Database
}

// NewHeaderReader wraps db for read-only header lookups.
func NewHeaderReader(db *Database) *HeaderReader {
	return &HeaderReader{db: db}
}

// HeaderByNumber implements downloader.HeaderSource.
func (r *HeaderReader) HeaderByNumber(number uint64) (*types.Header, bool) {
	snap, err := r.db.View()
	if err != nil {
		return nil, false
	}
	defer snap.Release()

	hash, ok, err := snap.ReadCanonicalHash(number)
	if err != nil || !ok {
		return nil, false
	}
	header, err := snap.ReadHeader(number, hash)
	if err != nil || header == nil {
		return nil, false
	}
	return header, true
}
