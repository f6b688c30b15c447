package rawdb

// NextTxID returns the tx_id one past the last transaction written for a
// block, given that block's BodyMeta. This is how the bodies stage derives
// a dense, monotonic tx_id space (spec §3 "Ownership" / §4.4 Bodies stage)
// without a separate persisted counter: it's recomputable on demand from
// BlockBodies, per spec §9 "Dense id spaces".
func NextTxID(prev BodyMeta) uint64 {
	return prev.StartTxID + prev.TxCount
}
