package aa

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/pkg/logger"
)

var errReceiptPending = errors.New("user operation receipt not yet available")

// SponsoredContext is the paymaster context requesting gas sponsorship.
var SponsoredContext = map[string]any{"mode": "SPONSORED"}

// GasPrice is one tier of bundler gas pricing.
type GasPrice struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPrices is the bundler's gas price recommendation.
type GasPrices struct {
	Slow     GasPrice `json:"slow"`
	Standard GasPrice `json:"standard"`
	Fast     GasPrice `json:"fast"`
}

// GasEstimate holds gas limits returned by eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// PaymasterData is returned by pm_getPaymasterStubData and pm_getPaymasterData.
type PaymasterData struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
}

// UserOperationReceipt is the bundler's record of an included operation.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Success       bool           `json:"success"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	Reason        string         `json:"reason,omitempty"`
	Receipt       struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

// BundlerOptions tunes receipt polling.
type BundlerOptions struct {
	PollInterval time.Duration
	MaxPolls     uint
}

// BundlerClient speaks the ERC-4337 bundler and ERC-7677 paymaster JSON-RPC
// methods against one endpoint.
type BundlerClient struct {
	rpc        *gethrpc.Client
	entryPoint common.Address
	chainID    int64
	opts       BundlerOptions
	log        *slog.Logger
}

// DialBundler connects to a bundler URL.
func DialBundler(ctx context.Context, url string, entryPoint common.Address, chainID int64, opts BundlerOptions) (*BundlerClient, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "未配置 bundler 地址")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "连接 bundler 失败")
	}
	return NewBundlerClient(client, entryPoint, chainID, opts), nil
}

// NewBundlerClient wraps an existing RPC client.
func NewBundlerClient(client *gethrpc.Client, entryPoint common.Address, chainID int64, opts BundlerOptions) *BundlerClient {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPolls == 0 {
		opts.MaxPolls = 60
	}
	return &BundlerClient{
		rpc:        client,
		entryPoint: entryPoint,
		chainID:    chainID,
		opts:       opts,
		log:        logger.Named("bundler").With(slog.Int64("chain_id", chainID)),
	}
}

// Close releases the RPC connection.
func (b *BundlerClient) Close() {
	b.rpc.Close()
}

func (b *BundlerClient) call(ctx context.Context, out any, method string, args ...any) error {
	if err := b.rpc.CallContext(ctx, out, method, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeTransientNetwork, err, "bundler 调用 "+method+" 失败",
			xerrors.WithMetadata("method", method))
	}
	return nil
}

// GetUserOperationGasPrice returns the bundler's gas price tiers.
func (b *BundlerClient) GetUserOperationGasPrice(ctx context.Context) (GasPrices, error) {
	var prices GasPrices
	err := b.call(ctx, &prices, "pimlico_getUserOperationGasPrice")
	return prices, err
}

func (b *BundlerClient) chainHex() string {
	return hexutil.EncodeBig(big.NewInt(b.chainID))
}

// GetPaymasterStubData fetches placeholder paymaster data for estimation.
func (b *BundlerClient) GetPaymasterStubData(ctx context.Context, op *UserOperation) (PaymasterData, error) {
	var data PaymasterData
	err := b.call(ctx, &data, "pm_getPaymasterStubData", op, b.entryPoint, b.chainHex(), SponsoredContext)
	return data, err
}

// SponsorUserOperation fetches final sponsored paymaster data.
func (b *BundlerClient) SponsorUserOperation(ctx context.Context, op *UserOperation) (PaymasterData, error) {
	var data PaymasterData
	err := b.call(ctx, &data, "pm_getPaymasterData", op, b.entryPoint, b.chainHex(), SponsoredContext)
	return data, err
}

// EstimateUserOperationGas estimates gas limits for op.
func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation) (GasEstimate, error) {
	var est GasEstimate
	err := b.call(ctx, &est, "eth_estimateUserOperationGas", op, b.entryPoint)
	return est, err
}

// SendUserOperation submits op and returns its hash.
func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var hash common.Hash
	err := b.call(ctx, &hash, "eth_sendUserOperation", op, b.entryPoint)
	return hash, err
}

// GetUserOperationReceipt returns nil while the operation is pending.
func (b *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := b.call(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitForUserOperationReceipt polls until the receipt is available. Giving up
// only stops waiting; the operation may still be included later.
func (b *BundlerClient) WaitForUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := retry.Do(
		func() error {
			r, err := b.GetUserOperationReceipt(ctx, hash)
			if err != nil {
				return err
			}
			if r == nil {
				return errReceiptPending
			}
			receipt = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(b.opts.MaxPolls),
		retry.Delay(b.opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errReceiptPending) || xerrors.HasCode(err, xerrors.CodeTransientNetwork)
		}),
	)
	if err != nil {
		if errors.Is(err, errReceiptPending) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待 user operation 回执超时",
				xerrors.WithMetadata("user_op_hash", hash.Hex()))
		}
		return nil, err
	}
	if !receipt.Success {
		return receipt, xerrors.New(xerrors.CodeUnknown, "user operation 执行失败: "+receipt.Reason,
			xerrors.WithMetadata("user_op_hash", hash.Hex()))
	}
	return receipt, nil
}
