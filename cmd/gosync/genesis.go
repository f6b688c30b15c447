package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sandakersmann/gosync/rawdb"
)

// genesisHeaderByName resolves the --chain flag to the network's genesis
// header, the same preset core.DefaultGenesisBlock and friends build for
// cmd/geth. Only block 0's header is needed here — the pipeline never
// replays genesis's state, it only needs CanonicalHeaders/Headers/HeaderTD
// seeded at number 0 (see seedGenesis).
func genesisHeaderByName(name string) (*types.Header, error) {
	switch name {
	case "mainnet", "":
		return core.DefaultGenesisBlock().ToBlock().Header(), nil
	case "sepolia":
		return core.DefaultSepoliaGenesisBlock().ToBlock().Header(), nil
	case "holesky":
		return core.DefaultHoleskyGenesisBlock().ToBlock().Header(), nil
	default:
		return nil, fmt.Errorf("unknown chain %q", name)
	}
}

// seedGenesis persists block 0's header (CanonicalHeaders[0], Headers[0],
// HeaderTD[0]) if it isn't on disk already, a no-op on restart.
//
// The header downloader only ever emits headers in (localHead, tip] (spec
// §4.2: it fetches backwards from the forkchoice tip until it joins the
// local head, which for a brand-new database is "nothing" — it never
// walks past number 1), so block 0 never arrives through the ordinary
// download-and-persist path. Every stage downstream of Headers assumes it
// is already there: TotalDifficultyStage.seedTotal reads CanonicalHeaders/
// Headers at the seed block, and BodiesStage.writeBody looks up the prior
// block's BodyMeta/BlockTransitionIndex starting from block 0. A real
// node seeds this once, up front, the way core.Genesis.Commit does before
// sync ever starts; this is that seeding step for gosync's own table set.
func seedGenesis(db *rawdb.Database, genesis *types.Header) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("gosync: begin genesis seed: %w", err)
	}

	if _, ok, err := tx.ReadCanonicalHash(genesis.Number.Uint64()); err != nil {
		tx.Discard()
		return fmt.Errorf("gosync: read genesis canonical hash: %w", err)
	} else if ok {
		tx.Discard()
		return nil
	}

	hash := genesis.Hash()
	if err := tx.WriteHeader(genesis); err != nil {
		tx.Discard()
		return fmt.Errorf("gosync: write genesis header: %w", err)
	}
	if err := tx.WriteCanonicalHash(genesis.Number.Uint64(), hash); err != nil {
		tx.Discard()
		return fmt.Errorf("gosync: write genesis canonical hash: %w", err)
	}
	if err := tx.WriteHeaderTD(genesis.Number.Uint64(), hash, genesis.Difficulty); err != nil {
		tx.Discard()
		return fmt.Errorf("gosync: write genesis total difficulty: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gosync: commit genesis seed: %w", err)
	}
	return nil
}
