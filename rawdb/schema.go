// Package rawdb implements the logical tables of spec §3 on top of a single
// embedded LevelDB instance. Keys are built the way the teacher's own
// rawdb schema and the erigon-lib kv/tables naming convention both do it:
// a short ASCII table prefix followed by big-endian numeric components, so
// that an in-order scan of the underlying store is an in-order scan of the
// logical table. goleveldb (github.com/syndtr/goleveldb) is one of the two
// embedded KV backends the teacher's own go.mod carries (the other,
// cockroachdb/pebble, is left unwired — see DESIGN.md).
package rawdb

import "encoding/binary"

// Table name prefixes. Each logical table in spec §3 gets one prefix;
// composite keys append big-endian encoded numbers/hashes after it so that
// range scans stay ordered.
const (
	prefixCanonicalHeaders   = "h" // number -> hash
	prefixHeaders            = "H" // number ++ hash -> rlp(header)
	prefixHeaderTD           = "t" // number ++ hash -> rlp(td)
	prefixHeaderNumbers      = "n" // hash -> number
	prefixBlockBodies        = "b" // number ++ hash -> encoded bodyMeta
	prefixBlockOmmers        = "u" // number ++ hash -> rlp([]*types.Header)
	prefixTransactions       = "x" // tx_id -> rlp(signed tx)
	prefixTxSenders          = "s" // tx_id -> address
	prefixTxTransitionIndex  = "i" // tx_id -> transition_id
	prefixBlockTransition    = "B" // number -> transition_id
	prefixStageCheckpoints   = "p" // stage id -> number
	prefixHeadHeaderHash     = "LastHeader"
	prefixHeadBlockHash      = "LastBlock"
)

// encodeBlockNumber big-endian encodes number so lexicographic byte order
// matches numeric order.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func decodeBlockNumber(enc []byte) uint64 {
	return binary.BigEndian.Uint64(enc)
}

func encodeTxID(id uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, id)
	return enc
}

func decodeTxID(enc []byte) uint64 {
	return binary.BigEndian.Uint64(enc)
}

// headerKey builds the composite number++hash key shared by Headers,
// HeaderTD, BlockBodies and BlockOmmers.
func headerKey(number uint64, hash [32]byte) []byte {
	key := make([]byte, 0, 8+32)
	key = append(key, encodeBlockNumber(number)...)
	key = append(key, hash[:]...)
	return key
}

func canonicalKey(number uint64) []byte {
	return append([]byte(prefixCanonicalHeaders), encodeBlockNumber(number)...)
}

func headersKey(number uint64, hash [32]byte) []byte {
	return append([]byte(prefixHeaders), headerKey(number, hash)...)
}

func headerTDKey(number uint64, hash [32]byte) []byte {
	return append([]byte(prefixHeaderTD), headerKey(number, hash)...)
}

func headerNumberKey(hash [32]byte) []byte {
	return append([]byte(prefixHeaderNumbers), hash[:]...)
}

func bodyKey(number uint64, hash [32]byte) []byte {
	return append([]byte(prefixBlockBodies), headerKey(number, hash)...)
}

func ommersKey(number uint64, hash [32]byte) []byte {
	return append([]byte(prefixBlockOmmers), headerKey(number, hash)...)
}

func transactionKey(txID uint64) []byte {
	return append([]byte(prefixTransactions), encodeTxID(txID)...)
}

func txSenderKey(txID uint64) []byte {
	return append([]byte(prefixTxSenders), encodeTxID(txID)...)
}

func txTransitionKey(txID uint64) []byte {
	return append([]byte(prefixTxTransitionIndex), encodeTxID(txID)...)
}

func blockTransitionKey(number uint64) []byte {
	return append([]byte(prefixBlockTransition), encodeBlockNumber(number)...)
}

func stageCheckpointKey(stageID string) []byte {
	return append([]byte(prefixStageCheckpoints), []byte(stageID)...)
}
