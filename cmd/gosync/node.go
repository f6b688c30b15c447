package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sandakersmann/gosync/consensus"
	"github.com/sandakersmann/gosync/consensus/beacon"
	"github.com/sandakersmann/gosync/downloader"
	"github.com/sandakersmann/gosync/gosyncconfig"
	"github.com/sandakersmann/gosync/pipeline"
	"github.com/sandakersmann/gosync/rawdb"
	"github.com/sandakersmann/gosync/stages"
	"github.com/sandakersmann/gosync/txpropagation"
)

var (
	debugTipFlag = &cli.StringFlag{
		Name:  "debug.tip",
		Usage: "Manually override the forkchoice head hash (engine API wiring is out of scope)",
	}
	debugMaxBlockFlag = &cli.Uint64Flag{
		Name:  "debug.max-block",
		Usage: "Stop the pipeline once a stage reaches this block number (0 = unbounded)",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable the metrics endpoint",
	}
	natFlag = &cli.StringFlag{
		Name:  "nat",
		Usage: "NAT port mapping mechanism (any|none|upnp|pmp)",
	}
)

var nodeCommand = &cli.Command{
	Name:  "node",
	Usage: "run the staged-sync pipeline as a long-lived node",
	Flags: []cli.Flag{chainFlag, configFlag, dbFlag, debugTipFlag, debugMaxBlockFlag, metricsFlag, natFlag},
	Action: func(c *cli.Context) error {
		return runNode(c)
	},
}

// noopExecutor occupies the Executor seam of stages.ExecutionStage (spec
// §4.4 places EVM semantics outside this spec's depth). It advances
// checkpoints without producing any state delta.
type noopExecutor struct{}

func (noopExecutor) ExecuteRange(ctx context.Context, tx *rawdb.Tx, from, to uint64) error { return nil }
func (noopExecutor) UnwindRange(ctx context.Context, tx *rawdb.Tx, to uint64) error         { return nil }

var _ stages.Executor = noopExecutor{}

// memPool is a minimal in-memory txpropagation.Pool. Transaction-pool
// ordering and validation policy are out of spec §1's scope; this exists
// only so the propagation manager has somewhere to put and read
// transactions from.
type memPool struct {
	mu   sync.Mutex
	byID map[common.Hash]*types.Transaction
}

func newMemPool() *memPool { return &memPool{byID: make(map[common.Hash]*types.Transaction)} }

func (p *memPool) AddRemotes(txs types.Transactions) []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make([]error, len(txs))
	for i, tx := range txs {
		p.byID[tx.Hash()] = tx
	}
	return errs
}

func (p *memPool) Pending() types.Transactions {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(types.Transactions, 0, len(p.byID))
	for _, tx := range p.byID {
		out = append(out, tx)
	}
	return out
}

func (p *memPool) Get(hash common.Hash) *types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[hash]
}

// peerReputation adapts a *downloader.PeerSet to txpropagation.Reputation:
// a reported-bad peer is excluded from future header/body requests too,
// since both downloaders and the propagation manager draw from the same
// peer set.
type peerReputation struct{ peers *downloader.PeerSet }

func (r peerReputation) ReportBad(peerID, reason string) {
	log.Warn("peer reported bad", "peer", peerID, "reason", reason)
	r.peers.MarkBad(peerID)
}

func runNode(c *cli.Context) error {
	cfg := gosyncconfig.DefaultNodeConfig()
	if path := c.String("config"); path != "" {
		loaded, err := gosyncconfig.LoadNodeConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if chain := c.String("chain"); chain != "" {
		cfg.Chain = chain
	}

	chainConfig, err := chainConfigByName(cfg.Chain)
	if err != nil {
		return err
	}

	db, err := rawdb.Open(c.String("db"))
	if err != nil {
		return fmt.Errorf("gosync: open database: %w", err)
	}
	defer db.Close()

	genesisHeader, err := genesisHeaderByName(cfg.Chain)
	if err != nil {
		return err
	}
	if err := seedGenesis(db, genesisHeader); err != nil {
		return err
	}

	forkchoice := consensus.NewForkchoiceBroadcaster()
	if tip := c.String("debug.tip"); tip != "" {
		hash := common.HexToHash(tip)
		forkchoice.Send(consensus.ForkchoiceState{HeadBlockHash: hash, SafeBlockHash: hash, FinalizedBlockHash: hash})
	}

	validator := beacon.New(chainConfig, forkchoice)

	// A real network layer registers sessions into this set as they're
	// established and calls MarkBad on protocol violations; peer discovery
	// and the wire protocol itself are outside this spec's scope (spec §1
	// Non-goals), so the set starts empty.
	peers := downloader.NewPeerSet()

	stageList := buildStages(cfg, db, peers, validator)

	syncState := pipeline.NewSyncStateBroadcaster()
	p := pipeline.New(db, stageList, syncState, c.Uint64("debug.max-block"))

	pool := newMemPool()
	networkEvents := make(chan txpropagation.NetworkEvent)
	commands := make(chan txpropagation.Command)
	txEvents := make(chan txpropagation.TransactionEvent)
	pendingCh := make(chan struct{})
	manager := txpropagation.NewManager(pool, peerReputation{peers: peers}, syncState.Subscribe(),
		networkEvents, commands, txEvents, pendingCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		log.Info("gosync: shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	tipSource := func() common.Hash { return forkchoice.Subscribe().Current().HeadBlockHash }
	err = p.Loop(ctx, tipSource, 5*time.Second)
	cancel()
	wg.Wait()
	return err
}

// headerRequestLimit is the number of headers requested per reverse-range
// RequestHeaders call; HeadersConfig's own fields (commit threshold,
// downloader batch size, retries) don't name this, so it's kept as a local
// constant the way the teacher picks a flat GetBlockHeadersPacket amount.
const headerRequestLimit = 192

// buildStages wires the five concrete stages of spec §4.4 in pipeline
// order over the configured downloaders.
func buildStages(cfg gosyncconfig.NodeConfig, db *rawdb.Database, peers *downloader.PeerSet, validator consensus.Validator) []stages.Stage {
	headerDownloader := downloader.NewHeaderDownloader(peers, validator,
		headerRequestLimit, int(cfg.Stages.Headers.DownloaderBatchSize))
	bodyDownloader := downloader.NewBodyDownloader(peers, rawdb.NewHeaderReader(db),
		cfg.Stages.Bodies.DownloaderMinConcurrent, cfg.Stages.Bodies.DownloaderMaxConcurrent,
		int(cfg.Stages.Bodies.DownloaderRequestLimit), cfg.Stages.Bodies.DownloaderMaxBufferedResponses)

	return []stages.Stage{
		stages.NewHeadersStage(cfg.Stages.Headers, headerDownloader, validator),
		stages.NewTotalDifficultyStage(cfg.Stages.TotalDifficulty),
		stages.NewBodiesStage(cfg.Stages.Bodies, bodyDownloader, validator),
		stages.NewSenderRecoveryStage(cfg.Stages.SenderRecovery, chainSigner{}),
		stages.NewExecutionStage(cfg.Stages.Execution, noopExecutor{}),
	}
}

// chainSigner recovers transaction senders with go-ethereum's own
// signature-cache-backed Sender helper (types.Sender), the same recovery
// path the teacher's core.SenderCacher uses.
type chainSigner struct{}

func (chainSigner) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}
