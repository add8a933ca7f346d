package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "agentic-trust/internal/errors"
	"agentic-trust/internal/web3"
)

// Backend mirrors the subset of ethclient.Client used by Provider.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Config describes how to dial an EVM compatible endpoint.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
}

// Conn is a dialed RPC endpoint. It can be shared by any number of
// providers for the same chain.
type Conn struct {
	name      string
	chainID   int64
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend
	mu        sync.Mutex
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "连接以太坊节点失败",
			xerrors.WithMetadata("chain", cfg.Name))
	}
	eth := ethclient.NewClient(rpcClient)
	return &Conn{
		name:      cfg.Name,
		chainID:   cfg.ChainID,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewConn wraps an existing backend, for example an in-process stub.
func NewConn(name string, chainID int64, backend Backend) *Conn {
	return &Conn{name: name, chainID: chainID, backend: backend}
}

// ChainID returns the configured chain ID.
func (c *Conn) ChainID() int64 {
	return c.chainID
}

// Backend exposes the chain backend for providers.
func (c *Conn) Backend() Backend {
	return c.backend
}

// RPC exposes the raw RPC client.
func (c *Conn) RPC() *gethrpc.Client {
	return c.rpcClient
}

// Close releases network connections held by the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.backend = nil
	c.rpcClient = nil
}

// Provider implements web3.AccountProvider over a Backend. When key is nil the
// provider is read-only.
type Provider struct {
	chainID int64
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ web3.AccountProvider = (*Provider)(nil)

// NewProvider binds key to backend. key may be nil for a read-only provider.
func NewProvider(chainID int64, backend Backend, key *ecdsa.PrivateKey) *Provider {
	p := &Provider{chainID: chainID, backend: backend, key: key}
	if key != nil {
		p.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return p
}

// NewReadOnly builds a provider that can read but never sign.
func NewReadOnly(chainID int64, backend Backend) *Provider {
	return NewProvider(chainID, backend, nil)
}

// ChainID implements web3.AccountProvider.
func (p *Provider) ChainID() int64 {
	return p.chainID
}

// Address returns the signer address, zero for read-only providers.
func (p *Provider) Address() common.Address {
	return p.address
}

// CanSign reports whether the provider holds a key.
func (p *Provider) CanSign() bool {
	return p.key != nil
}

// ReadContract packs the call, executes it against the latest block and
// unpacks the outputs.
func (p *Provider) ReadContract(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := p.EncodeFunctionData(contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	msg := gethcore.CallMsg{To: &contract, Data: data}
	if p.key != nil {
		msg.From = p.address
	}
	out, err := p.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, fmt.Sprintf("调用合约方法 %s 失败", method),
			xerrors.WithMetadata("contract", contract.Hex()))
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// EncodeFunctionData ABI-encodes a method call.
func (p *Provider) EncodeFunctionData(contractABI *abi.ABI, method string, args ...any) ([]byte, error) {
	if contractABI == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供合约 ABI")
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码方法 %s 失败", method))
	}
	return data, nil
}

// EstimateGas implements web3.AccountProvider.
func (p *Provider) EstimateGas(ctx context.Context, tx web3.TxRequest) (uint64, error) {
	gas, err := p.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  p.address,
		To:    tx.To,
		Data:  tx.Data,
		Value: valueOrZero(tx.Value),
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "估算 gas 失败")
	}
	return gas, nil
}

// Send builds, signs and broadcasts an EIP-1559 transaction.
func (p *Provider) Send(ctx context.Context, tx web3.TxRequest) (common.Hash, error) {
	if p.key == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeNotConfigured, "只读账户无法签名交易")
	}
	nonce, err := p.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "查询交易计数失败")
	}
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "获取小费建议失败")
	}
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas := tx.Gas
	if gas == 0 {
		if gas, err = p.EstimateGas(ctx, tx); err != nil {
			return common.Hash{}, err
		}
	}

	chainID := big.NewInt(p.chainID)
	unsigned := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        tx.To,
		Value:     valueOrZero(tx.Value),
		Data:      tx.Data,
	})
	signed, err := coretypes.SignTx(unsigned, coretypes.LatestSignerForChainID(chainID), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "发送交易失败")
	}
	return signed.Hash(), nil
}

// GetBalance implements web3.AccountProvider.
func (p *Provider) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := p.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "查询余额失败")
	}
	return balance, nil
}

// GetTransactionCount implements web3.AccountProvider.
func (p *Provider) GetTransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := p.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "查询交易计数失败")
	}
	return nonce, nil
}

// CodeAt implements web3.CodeReader.
func (p *Provider) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	if p.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	code, err := p.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "读取合约字节码失败")
	}
	return code, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
