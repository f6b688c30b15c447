package rawdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Database is the embedded key-value store backing every table in spec §3.
// A single process opens exactly one Database; the pipeline driver is the
// only writer, per spec §5.
type Database struct {
	ldb *leveldb.DB
}

// Open opens (creating if absent) a LevelDB instance at path.
func Open(path string) (*Database, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &Database{ldb: ldb}, nil
}

// OpenInMemory opens an in-memory instance, used by tests.
func OpenInMemory() (*Database, error) {
	ldb, err := leveldb.Open(newMemStorage(), &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &Database{ldb: ldb}, nil
}

// Close releases the underlying file handles.
func (d *Database) Close() error { return d.ldb.Close() }

// Begin opens a write transaction. Per spec §3 "Ownership", a pipeline run
// holds exclusive write access for the duration of one forward pass
// through its stages; the caller is responsible for not running two
// transactions concurrently against the same Database.
func (d *Database) Begin() (*Tx, error) {
	ltx, err := d.ldb.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{ltx: ltx}, nil
}

// View opens a read-only snapshot for callers (such as HeaderReader) that
// never mutate the database. Snapshot must be Release()d.
func (d *Database) View() (*Snapshot, error) {
	snap, err := d.ldb.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return &Snapshot{snap: snap}, nil
}

// Snapshot is a read-only, point-in-time view of the database.
type Snapshot struct {
	snap *leveldb.Snapshot
}

// Release returns the snapshot's resources.
func (s *Snapshot) Release() { s.snap.Release() }

// ReadCanonicalHash reads CanonicalHeaders from the snapshot, the read-only
// counterpart of Tx.ReadCanonicalHash for callers that must not contend
// with the pipeline's single write transaction (spec §3 "Ownership").
func (s *Snapshot) ReadCanonicalHash(number uint64) (common.Hash, bool, error) {
	v, err := s.snap.Get(canonicalKey(number), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(v), true, nil
}

// ReadHeader is the read-only counterpart of Tx.ReadHeader.
func (s *Snapshot) ReadHeader(number uint64, hash common.Hash) (*types.Header, error) {
	v, err := s.snap.Get(headersKey(number, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(v, header); err != nil {
		return nil, fmt.Errorf("decode header %d/%s: %w", number, hash, err)
	}
	return header, nil
}

// Tx is a write transaction over Database. Every exported method mirrors a
// named table from spec §3. Callers must call Commit or Discard exactly
// once.
type Tx struct {
	ltx *leveldb.Transaction
}

// Commit makes the transaction's writes durable.
func (tx *Tx) Commit() error {
	if err := tx.ltx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Discard abandons the transaction's writes. It delegates to goleveldb's
// Transaction.Discard.
func (tx *Tx) Discard() { tx.ltx.Discard() }

// --- CanonicalHeaders: number -> hash ---

func (tx *Tx) WriteCanonicalHash(number uint64, hash common.Hash) error {
	return tx.ltx.Put(canonicalKey(number), hash.Bytes(), nil)
}

func (tx *Tx) ReadCanonicalHash(number uint64) (common.Hash, bool, error) {
	v, err := tx.ltx.Get(canonicalKey(number), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(v), true, nil
}

func (tx *Tx) DeleteCanonicalHash(number uint64) error {
	return tx.ltx.Delete(canonicalKey(number), nil)
}

// --- Headers: (number,hash) -> header ---

func (tx *Tx) WriteHeader(header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	number := header.Number.Uint64()
	hash := header.Hash()
	if err := tx.ltx.Put(headersKey(number, hash), data, nil); err != nil {
		return err
	}
	return tx.ltx.Put(headerNumberKey(hash), encodeBlockNumber(number), nil)
}

func (tx *Tx) ReadHeader(number uint64, hash common.Hash) (*types.Header, error) {
	v, err := tx.ltx.Get(headersKey(number, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(v, header); err != nil {
		return nil, fmt.Errorf("decode header %d/%s: %w", number, hash, err)
	}
	return header, nil
}

func (tx *Tx) ReadHeaderNumber(hash common.Hash) (uint64, bool, error) {
	v, err := tx.ltx.Get(headerNumberKey(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decodeBlockNumber(v), true, nil
}

func (tx *Tx) DeleteHeader(number uint64, hash common.Hash) error {
	if err := tx.ltx.Delete(headersKey(number, hash), nil); err != nil {
		return err
	}
	return tx.ltx.Delete(headerNumberKey(hash), nil)
}

// --- HeaderTD: (number,hash) -> cumulative_difficulty ---

func (tx *Tx) WriteHeaderTD(number uint64, hash common.Hash, td *big.Int) error {
	data, err := rlp.EncodeToBytes(td)
	if err != nil {
		return fmt.Errorf("encode td: %w", err)
	}
	return tx.ltx.Put(headerTDKey(number, hash), data, nil)
}

func (tx *Tx) ReadHeaderTD(number uint64, hash common.Hash) (*big.Int, bool, error) {
	v, err := tx.ltx.Get(headerTDKey(number, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	td := new(big.Int)
	if err := rlp.DecodeBytes(v, td); err != nil {
		return nil, false, fmt.Errorf("decode td %d/%s: %w", number, hash, err)
	}
	return td, true, nil
}

func (tx *Tx) DeleteHeaderTD(number uint64, hash common.Hash) error {
	return tx.ltx.Delete(headerTDKey(number, hash), nil)
}

// --- BlockBodies: (number,hash) -> {start_tx_id, tx_count} ---

type BodyMeta struct {
	StartTxID uint64
	TxCount   uint64
}

func (b BodyMeta) LastTxIndex() uint64 {
	if b.TxCount == 0 {
		return b.StartTxID
	}
	return b.StartTxID + b.TxCount - 1
}

func (tx *Tx) WriteBodyMeta(number uint64, hash common.Hash, meta BodyMeta) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], meta.StartTxID)
	binary.BigEndian.PutUint64(buf[8:], meta.TxCount)
	return tx.ltx.Put(bodyKey(number, hash), buf, nil)
}

func (tx *Tx) ReadBodyMeta(number uint64, hash common.Hash) (BodyMeta, bool, error) {
	v, err := tx.ltx.Get(bodyKey(number, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return BodyMeta{}, false, nil
	}
	if err != nil {
		return BodyMeta{}, false, err
	}
	return BodyMeta{
		StartTxID: binary.BigEndian.Uint64(v[:8]),
		TxCount:   binary.BigEndian.Uint64(v[8:]),
	}, true, nil
}

func (tx *Tx) DeleteBodyMeta(number uint64, hash common.Hash) error {
	return tx.ltx.Delete(bodyKey(number, hash), nil)
}

// --- BlockOmmers: (number,hash) -> [ommer] ---

func (tx *Tx) WriteOmmers(number uint64, hash common.Hash, ommers []*types.Header) error {
	if len(ommers) == 0 {
		return nil
	}
	data, err := rlp.EncodeToBytes(ommers)
	if err != nil {
		return fmt.Errorf("encode ommers: %w", err)
	}
	return tx.ltx.Put(ommersKey(number, hash), data, nil)
}

func (tx *Tx) ReadOmmers(number uint64, hash common.Hash) ([]*types.Header, error) {
	v, err := tx.ltx.Get(ommersKey(number, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ommers []*types.Header
	if err := rlp.DecodeBytes(v, &ommers); err != nil {
		return nil, fmt.Errorf("decode ommers %d/%s: %w", number, hash, err)
	}
	return ommers, nil
}

func (tx *Tx) DeleteOmmers(number uint64, hash common.Hash) error {
	return tx.ltx.Delete(ommersKey(number, hash), nil)
}

// --- Transactions: tx_id -> signed_tx ---

func (tx *Tx) WriteTransaction(txID uint64, stx *types.Transaction) error {
	data, err := stx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode transaction %d: %w", txID, err)
	}
	return tx.ltx.Put(transactionKey(txID), data, nil)
}

func (tx *Tx) ReadTransaction(txID uint64) (*types.Transaction, error) {
	v, err := tx.ltx.Get(transactionKey(txID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stx := new(types.Transaction)
	if err := stx.UnmarshalBinary(v); err != nil {
		return nil, fmt.Errorf("decode transaction %d: %w", txID, err)
	}
	return stx, nil
}

// IterateTransactions walks Transactions with tx_id in [from, to], calling
// fn for each entry in ascending order. Stops early if fn returns an error.
func (tx *Tx) IterateTransactions(from, to uint64, fn func(txID uint64, stx *types.Transaction) error) error {
	rng := &util.Range{Start: transactionKey(from), Limit: append(transactionKey(to), 0x00)}
	it := tx.ltx.NewIterator(rng, nil)
	defer it.Release()
	return iterateTx(it, func(key, value []byte) error {
		id := decodeTxID(key[len(prefixTransactions):])
		stx := new(types.Transaction)
		if err := stx.UnmarshalBinary(value); err != nil {
			return fmt.Errorf("decode transaction %d: %w", id, err)
		}
		return fn(id, stx)
	})
}

func iterateTx(it iterator.Iterator, fn func(key, value []byte) error) error {
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// --- TxSenders: tx_id -> address ---

func (tx *Tx) WriteTxSender(txID uint64, addr common.Address) error {
	return tx.ltx.Put(txSenderKey(txID), addr.Bytes(), nil)
}

func (tx *Tx) ReadTxSender(txID uint64) (common.Address, bool, error) {
	v, err := tx.ltx.Get(txSenderKey(txID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return common.BytesToAddress(v), true, nil
}

// --- TxTransitionIndex: tx_id -> transition_id ---

func (tx *Tx) WriteTxTransition(txID, transitionID uint64) error {
	return tx.ltx.Put(txTransitionKey(txID), encodeTxID(transitionID), nil)
}

func (tx *Tx) ReadTxTransition(txID uint64) (uint64, bool, error) {
	v, err := tx.ltx.Get(txTransitionKey(txID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decodeTxID(v), true, nil
}

// --- BlockTransitionIndex: number -> transition_id ---

func (tx *Tx) WriteBlockTransition(number, transitionID uint64) error {
	return tx.ltx.Put(blockTransitionKey(number), encodeTxID(transitionID), nil)
}

func (tx *Tx) ReadBlockTransition(number uint64) (uint64, bool, error) {
	v, err := tx.ltx.Get(blockTransitionKey(number), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return decodeTxID(v), true, nil
}

// --- StageCheckpoints: stage id -> last committed block number ---

func (tx *Tx) WriteStageProgress(stageID string, number uint64) error {
	return tx.ltx.Put(stageCheckpointKey(stageID), encodeBlockNumber(number), nil)
}

func (tx *Tx) ReadStageProgress(stageID string) (uint64, error) {
	v, err := tx.ltx.Get(stageCheckpointKey(stageID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeBlockNumber(v), nil
}

// --- Head pointers (where the local chain currently ends, outside any
// single stage's own checkpoint; no code in this module calls these) ---

func (tx *Tx) WriteHeadHeaderHash(hash common.Hash) error {
	return tx.ltx.Put([]byte(prefixHeadHeaderHash), hash.Bytes(), nil)
}

func (tx *Tx) ReadHeadHeaderHash() (common.Hash, bool, error) {
	v, err := tx.ltx.Get([]byte(prefixHeadHeaderHash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(v), true, nil
}

func (tx *Tx) WriteHeadBlockHash(hash common.Hash) error {
	return tx.ltx.Put([]byte(prefixHeadBlockHash), hash.Bytes(), nil)
}

func (tx *Tx) ReadHeadBlockHash() (common.Hash, bool, error) {
	v, err := tx.ltx.Get([]byte(prefixHeadBlockHash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(v), true, nil
}
