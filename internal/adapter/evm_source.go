package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// ERC-20 Transfer(address,address,uint256)
var transferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const defaultDecimals = 18

// ChainClient is the subset of ethclient.Client the source uses
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Token is an ERC-20 contract the source tracks
type Token struct {
	Address  common.Address
	Decimals int32
}

// ParseToken parses "0xaddress" or "0xaddress:decimals"
func ParseToken(spec string) (Token, error) {
	addr, dec, hasDec := strings.Cut(strings.TrimSpace(spec), ":")
	if !common.IsHexAddress(addr) {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, spec)
	}
	t := Token{Address: common.HexToAddress(addr), Decimals: defaultDecimals}
	if hasDec {
		d, err := strconv.ParseInt(dec, 10, 32)
		if err != nil || d < 0 || d > 36 {
			return Token{}, fmt.Errorf("%w: bad decimals in %q", ErrInvalidToken, spec)
		}
		t.Decimals = int32(d)
	}
	return t, nil
}

// EVMSourceConfig configures an EVMSource
type EVMSourceConfig struct {
	Tokens         []Token
	StartBlock     uint64
	MaxBlockRange  uint64
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// EVMSource reads ERC-20 transfers of a wallet from an EVM node.
// Block numbers are slots and log indexes are in-slot indexes.
type EVMSource struct {
	client  ChainClient
	cfg     EVMSourceConfig
	limiter *rate.Limiter
	tokens  map[common.Address]Token
	closeFn func()
}

// DialEVMSource connects to a pool of endpoints serving chainID
func DialEVMSource(ctx context.Context, endpoints []string, chainID int64, cfg EVMSourceConfig) (*EVMSource, error) {
	pool, err := NewRPCPool(ctx, RPCPoolConfig{
		Endpoints: endpoints,
		Dialer:    ChainIDDialer(chainID),
	})
	if err != nil {
		return nil, err
	}

	logging.WithFields(map[string]interface{}{
		"endpoints": len(endpoints),
		"chainId":   chainID,
		"tokens":    len(cfg.Tokens),
	}).Info("Connected to EVM node")

	s := NewEVMSource(pool, cfg)
	s.closeFn = pool.Close
	return s, nil
}

// NewEVMSource creates a source over an existing client
func NewEVMSource(client ChainClient, cfg EVMSourceConfig) *EVMSource {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 5000
	}
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 1
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}

	tokens := make(map[common.Address]Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Address] = t
	}

	return &EVMSource{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.RateLimitBurst),
		tokens:  tokens,
	}
}

// Close closes the node connection when the source owns it
func (s *EVMSource) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// Fetch returns the wallet's transfers from the block of since onward
func (s *EVMSource) Fetch(ctx context.Context, wallet string, since types.OrderingKey) ([]models.RawChainRecord, error) {
	if !common.IsHexAddress(wallet) {
		return nil, &apperrors.ChainDataUnavailableError{
			Wallet: wallet,
			Source: "evm",
			Cause:  NewAdapterError("evm", "Fetch", ErrInvalidAddress, map[string]interface{}{"wallet": wallet}),
		}
	}
	addr := common.HexToAddress(wallet)
	logger := logging.FromContext(ctx).WithField("wallet", wallet)

	if pool, ok := s.client.(*RPCPool); ok {
		pool.TryResetToPrimary()
	}

	head, err := s.blockNumber(ctx)
	if err != nil {
		return nil, unavailable(ctx, wallet, "evm", err)
	}

	from := since.Slot
	if from < s.cfg.StartBlock {
		from = s.cfg.StartBlock
	}
	if from > head {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var records []models.RawChainRecord
	times := make(map[uint64]time.Time)

	for start := from; start <= head; start += s.cfg.MaxBlockRange {
		end := start + s.cfg.MaxBlockRange - 1
		if end > head {
			end = head
		}

		logs, err := s.transferLogs(ctx, addr, start, end)
		if err != nil {
			return nil, unavailable(ctx, wallet, "evm", NewAdapterError("evm", "FilterLogs", err, map[string]interface{}{
				"fromBlock": start,
				"toBlock":   end,
			}))
		}

		for i := range logs {
			rec, ok, err := s.toRecord(ctx, wallet, addr, &logs[i], times)
			if err != nil {
				return nil, unavailable(ctx, wallet, "evm", err)
			}
			if !ok {
				continue
			}
			if _, dup := seen[rec.EventID]; dup {
				continue
			}
			seen[rec.EventID] = struct{}{}
			records = append(records, rec)
		}
	}

	logger.WithFields(map[string]interface{}{
		"fromBlock": from,
		"toBlock":   head,
		"records":   len(records),
	}).Debug("Fetched ERC-20 transfers")
	return records, nil
}

// transferLogs fetches transfers out of and into addr
func (s *EVMSource) transferLogs(ctx context.Context, addr common.Address, from, to uint64) ([]ethtypes.Log, error) {
	walletTopic := common.BytesToHash(addr.Bytes())
	contracts := make([]common.Address, 0, len(s.cfg.Tokens))
	for _, t := range s.cfg.Tokens {
		contracts = append(contracts, t.Address)
	}

	queries := []ethereum.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: contracts,
			Topics:    [][]common.Hash{{transferEventSignature}, {walletTopic}},
		},
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: contracts,
			Topics:    [][]common.Hash{{transferEventSignature}, nil, {walletTopic}},
		},
	}

	var all []ethtypes.Log
	for _, q := range queries {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		logs, err := withTimeout(ctx, s.cfg.RequestTimeout, func(ctx context.Context) ([]ethtypes.Log, error) {
			return s.client.FilterLogs(ctx, q)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, logs...)
	}
	return all, nil
}

// toRecord converts a Transfer log; the record carries the wallet string as
// the caller spelled it. Logs carry no price, so Price stays empty and a
// refetch of the same log always yields the same record.
func (s *EVMSource) toRecord(ctx context.Context, wallet string, addr common.Address, lg *ethtypes.Log, times map[uint64]time.Time) (models.RawChainRecord, bool, error) {
	if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != transferEventSignature {
		return models.RawChainRecord{}, false, nil
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if from == to {
		return models.RawChainRecord{}, false, nil
	}

	token, ok := s.tokens[lg.Address]
	if !ok {
		token = Token{Address: lg.Address, Decimals: defaultDecimals}
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -token.Decimals)
	counterparty := from
	if from == addr {
		amount = amount.Neg()
		counterparty = to
	}

	ts, err := s.blockTime(ctx, lg.BlockNumber, times)
	if err != nil {
		return models.RawChainRecord{}, false, err
	}

	return models.RawChainRecord{
		EventID:        fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index),
		Wallet:         wallet,
		Timestamp:      ts,
		Slot:           lg.BlockNumber,
		HasSlot:        true,
		Index:          uint32(lg.Index),
		Kind:           string(types.KindTransfer),
		TokenMint:      strings.ToLower(lg.Address.Hex()),
		Amount:         amount.String(),
		Counterparties: []string{strings.ToLower(counterparty.Hex())},
	}, true, nil
}

func (s *EVMSource) blockTime(ctx context.Context, block uint64, times map[uint64]time.Time) (time.Time, error) {
	if ts, ok := times[block]; ok {
		return ts, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	header, err := withTimeout(ctx, s.cfg.RequestTimeout, func(ctx context.Context) (*ethtypes.Header, error) {
		return s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	})
	if err != nil {
		return time.Time{}, NewAdapterError("evm", "HeaderByNumber", err, map[string]interface{}{"block": block})
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	times[block] = ts
	return ts, nil
}

func (s *EVMSource) blockNumber(ctx context.Context) (uint64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := withTimeout(ctx, s.cfg.RequestTimeout, s.client.BlockNumber)
	if err != nil {
		return 0, NewAdapterError("evm", "BlockNumber", err, nil)
	}
	return head, nil
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
