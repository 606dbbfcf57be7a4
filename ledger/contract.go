package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/medlink/medsync"
	"github.com/medlink/medsync/telemetry"
)

// DefaultAddress is the deployed records contract.
const DefaultAddress = "0xade143fE7367F07BcF3dFfe39F7bf75c2D6dB970"

// ErrNotConfigured is returned when no RPC endpoint is set.
var ErrNotConfigured = errors.New("ledger rpc endpoint not configured")

// recordsABI covers the two read calls medsync makes.
const recordsABI = `[
  {
    "type": "function",
    "name": "getReports",
    "stateMutability": "view",
    "inputs": [
      {"name": "userId", "type": "string"},
      {"name": "offset", "type": "uint256"}
    ],
    "outputs": [
      {"name": "", "type": "tuple[]", "components": [
        {"name": "ipfsHash", "type": "string"},
        {"name": "reportId", "type": "string"},
        {"name": "timestamp", "type": "uint256"},
        {"name": "fileCount", "type": "uint256"}
      ]}
    ]
  },
  {
    "type": "function",
    "name": "getReportFiles",
    "stateMutability": "view",
    "inputs": [
      {"name": "userId", "type": "string"},
      {"name": "reportId", "type": "string"}
    ],
    "outputs": [
      {"name": "", "type": "tuple[]", "components": [
        {"name": "ipfsHash", "type": "string"},
        {"name": "fileName", "type": "string"},
        {"name": "fileType", "type": "string"}
      ]}
    ]
  }
]`

// Field names follow the ABI component names so abi.ConvertType can map
// the decoded tuples onto them.
type onchainReport struct {
	IpfsHash  string
	ReportId  string
	Timestamp *big.Int
	FileCount *big.Int
}

type onchainFile struct {
	IpfsHash string
	FileName string
	FileType string
}

// Config configures a Contract.
type Config struct {
	// RPCURL is the Ethereum JSON-RPC endpoint. Empty leaves the ledger
	// unavailable unless a caller is injected.
	RPCURL string

	// Address of the records contract. Defaults to DefaultAddress.
	Address string

	Logger *slog.Logger
}

// Option configures a Contract.
type Option func(*Contract)

// WithCaller uses caller instead of dialling RPCURL.
func WithCaller(caller bind.ContractCaller) Option {
	return func(c *Contract) {
		c.caller = caller
	}
}

// Contract reads the records contract over JSON-RPC. The connection is
// dialled on first use and redialled after a failed dial.
type Contract struct {
	rpcURL  string
	address common.Address
	abi     abi.ABI
	logger  *slog.Logger

	mu     sync.Mutex
	caller bind.ContractCaller
	bound  *bind.BoundContract
	client *ethclient.Client
}

// NewContract creates a contract reader. It does not dial.
func NewContract(cfg Config, opts ...Option) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(recordsABI))
	if err != nil {
		return nil, fmt.Errorf("parsing records abi: %w", err)
	}

	addr := cfg.Address
	if addr == "" {
		addr = DefaultAddress
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid contract address %q", addr)
	}

	c := &Contract{
		rpcURL:  cfg.RPCURL,
		address: common.HexToAddress(addr),
		abi:     parsed,
		logger:  cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "ledger")
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Contract) contract(ctx context.Context) (*bind.BoundContract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound != nil {
		return c.bound, nil
	}
	if c.caller == nil {
		if c.rpcURL == "" {
			return nil, ErrNotConfigured
		}
		client, err := ethclient.DialContext(ctx, c.rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dialling %s: %w", c.rpcURL, err)
		}
		c.client = client
		c.caller = client
		c.logger.Info("connected to ledger rpc", "address", c.address.Hex())
	}
	c.bound = bind.NewBoundContract(c.address, c.abi, c.caller, nil, nil)
	return c.bound, nil
}

func (c *Contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	op := "ledger." + method
	start := time.Now()

	bound, err := c.contract(ctx)
	if err != nil {
		telemetry.RecordUpstreamRequest(ctx, "ledger", time.Since(start), 0, "error")
		return nil, medsync.NewError(medsync.CodeLedgerUnavailable, op, err)
	}

	var out []any
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		telemetry.RecordUpstreamRequest(ctx, "ledger", time.Since(start), 0, outcome)
		c.logger.Warn("ledger call failed", "method", method, "error", err)
		return nil, medsync.NewError(medsync.CodeLedgerUnavailable, op, err)
	}
	telemetry.RecordUpstreamRequest(ctx, "ledger", time.Since(start), 0, "success")

	if len(out) == 0 {
		return nil, medsync.NewError(medsync.CodeLedgerUnavailable, op, errors.New("empty result"))
	}
	return out, nil
}

// GetReports implements Reader.
func (c *Contract) GetReports(ctx context.Context, userID string, offset uint64) ([]medsync.LedgerRecord, error) {
	out, err := c.call(ctx, "getReports", userID, new(big.Int).SetUint64(offset))
	if err != nil {
		return nil, err
	}
	raw, ok := abi.ConvertType(out[0], new([]onchainReport)).(*[]onchainReport)
	if !ok {
		return nil, medsync.NewError(medsync.CodeLedgerUnavailable, "ledger.getReports", fmt.Errorf("unexpected result %T", out[0]))
	}

	records := make([]medsync.LedgerRecord, 0, len(*raw))
	for _, r := range *raw {
		records = append(records, medsync.LedgerRecord{
			IPFSHash:  CleanHash(r.IpfsHash),
			ReportID:  r.ReportId,
			Timestamp: bigInt64(r.Timestamp),
			FileCount: int(bigInt64(r.FileCount)),
		})
	}
	return records, nil
}

// GetReportFiles implements Reader.
func (c *Contract) GetReportFiles(ctx context.Context, userID, reportID string) ([]medsync.FileRecord, error) {
	out, err := c.call(ctx, "getReportFiles", userID, reportID)
	if err != nil {
		return nil, err
	}
	raw, ok := abi.ConvertType(out[0], new([]onchainFile)).(*[]onchainFile)
	if !ok {
		return nil, medsync.NewError(medsync.CodeLedgerUnavailable, "ledger.getReportFiles", fmt.Errorf("unexpected result %T", out[0]))
	}

	files := make([]medsync.FileRecord, 0, len(*raw))
	for _, f := range *raw {
		files = append(files, medsync.FileRecord{
			IPFSHash: CleanHash(f.IpfsHash),
			FileName: f.FileName,
			FileType: f.FileType,
		})
	}
	return files, nil
}

// Close releases the RPC connection, if one was dialled.
func (c *Contract) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.caller = nil
		c.bound = nil
	}
}

func bigInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
