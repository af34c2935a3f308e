package chain

import (
	"context"
	"math/big"
	"time"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bundlekit/oppool/types"
)

// userOperationEventID is the topic of the EntryPoint's UserOperationEvent,
// identical across v0.6 and v0.7.
var userOperationEventID = crypto.Keccak256Hash(
	[]byte("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))

// NodeClient is the slice of ethclient.Client the subscriber needs; tests
// substitute their own.
type NodeClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// HeadSubscriber turns node head notifications into ChainUpdates for the
// pool. It prefers a websocket head subscription and falls back to polling;
// a parent-hash mismatch against the previously seen head is emitted as a
// transient reorg step before the confirmed head follows.
type HeadSubscriber struct {
	client       NodeClient
	logger       log.Logger
	entryPoints  []common.Address
	tracked      []common.Address
	pollInterval time.Duration

	updates  chan *types.ChainUpdate
	lastHash common.Hash
}

// NewHeadSubscriber watches for new heads, attributing UserOperationEvent
// logs to the given EntryPoints and reporting balance/nonce activity for the
// tracked addresses.
func NewHeadSubscriber(client NodeClient, logger log.Logger, entryPoints []common.Address, tracked []common.Address, pollInterval time.Duration) *HeadSubscriber {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &HeadSubscriber{
		client:       client,
		logger:       logger.With(log.ModuleKey, "HeadSubscriber"),
		entryPoints:  entryPoints,
		tracked:      tracked,
		pollInterval: pollInterval,
		updates:      make(chan *types.ChainUpdate),
	}
}

// Updates is the stream consumed by the pool runner. It closes when Run
// returns.
func (s *HeadSubscriber) Updates() <-chan *types.ChainUpdate {
	return s.updates
}

// Run blocks until ctx is canceled, feeding Updates.
func (s *HeadSubscriber) Run(ctx context.Context) error {
	defer close(s.updates)

	headCh := make(chan *ethtypes.Header, 16)
	sub, err := s.client.SubscribeNewHead(ctx, headCh)
	if err != nil {
		s.logger.Info("head subscription unavailable, polling", "error", err, "interval", s.pollInterval)
		return s.poll(ctx)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			s.logger.Error("head subscription failed, polling", "error", err)
			return s.poll(ctx)
		case header := <-headCh:
			s.emit(ctx, header)
		}
	}
}

func (s *HeadSubscriber) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			header, err := s.client.HeaderByNumber(ctx, nil)
			if err != nil {
				s.logger.Error("failed to fetch latest header", "error", err)
				continue
			}
			if header.Hash() == s.lastHash {
				continue
			}
			s.emit(ctx, header)
		}
	}
}

// emit publishes the header as ChainUpdates. A head whose parent is not the
// last seen head is announced first as a transient reorg step; the confirmed
// update always follows.
func (s *HeadSubscriber) emit(ctx context.Context, header *ethtypes.Header) {
	hash := header.Hash()
	reorged := s.lastHash != (common.Hash{}) && header.ParentHash != s.lastHash
	s.lastHash = hash

	update := &types.ChainUpdate{
		BlockHash:   hash,
		ParentHash:  header.ParentHash,
		BlockNumber: header.Number.Uint64(),
	}
	update.MinedOps = s.minedOps(ctx, hash)
	update.AddressUpdates = s.addressUpdates(ctx, header.Number)

	if reorged {
		step := *update
		step.Reorg = true
		s.logger.Debug("reorg step detected", "block_hash", hash, "block_number", update.BlockNumber)
		if !s.send(ctx, &step) {
			return
		}
	}
	s.send(ctx, update)
}

func (s *HeadSubscriber) send(ctx context.Context, update *types.ChainUpdate) bool {
	select {
	case s.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

// minedOps extracts UserOperationEvent logs emitted by the configured
// EntryPoints in the given block.
func (s *HeadSubscriber) minedOps(ctx context.Context, blockHash common.Hash) []types.MinedOp {
	if len(s.entryPoints) == 0 {
		return nil
	}
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: s.entryPoints,
		Topics:    [][]common.Hash{{userOperationEventID}},
	})
	if err != nil {
		s.logger.Error("failed to fetch user operation logs", "block_hash", blockHash, "error", err)
		return nil
	}

	out := make([]types.MinedOp, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 4 {
			continue
		}
		mined := types.MinedOp{
			Hash:       l.Topics[1],
			EntryPoint: l.Address,
			Sender:     common.BytesToAddress(l.Topics[2].Bytes()),
			Paymaster:  common.BytesToAddress(l.Topics[3].Bytes()),
		}
		// Data layout: nonce, success, actualGasCost, actualGasUsed.
		if len(l.Data) >= 96 {
			mined.Nonce = new(big.Int).SetBytes(l.Data[0:32])
			mined.ActualGasCost = new(big.Int).SetBytes(l.Data[64:96])
		}
		out = append(out, mined)
	}
	return out
}

// addressUpdates reads balance and nonce for each tracked address at the
// given block.
func (s *HeadSubscriber) addressUpdates(ctx context.Context, blockNumber *big.Int) []types.AddressUpdate {
	if len(s.tracked) == 0 {
		return nil
	}
	out := make([]types.AddressUpdate, 0, len(s.tracked))
	for _, addr := range s.tracked {
		balance, err := s.client.BalanceAt(ctx, addr, blockNumber)
		if err != nil {
			s.logger.Error("failed to read tracked balance", "address", addr.Hex(), "error", err)
			continue
		}
		nonce, err := s.client.NonceAt(ctx, addr, blockNumber)
		if err != nil {
			s.logger.Error("failed to read tracked nonce", "address", addr.Hex(), "error", err)
			continue
		}
		out = append(out, types.AddressUpdate{Address: addr, Balance: balance, Nonce: nonce})
	}
	return out
}
