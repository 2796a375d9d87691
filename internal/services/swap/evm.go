package swap

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const (
	routerABIJSON = `[
	{"name":"getAmountsOut","type":"function","stateMutability":"view",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
	           {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

	erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	defaultSwapDeadline      = 5 * time.Minute
	defaultGasLimitMargin    = 1.2
	defaultReceiptPollPeriod = 2 * time.Second
	broadcastLookupTimeout   = 10 * time.Second
)

// Token describes an ERC-20 token known to the keeper.
type Token struct {
	Address  common.Address
	Decimals int32
}

// EVMConfig configures swaps through a Uniswap V2 compatible router.
type EVMConfig struct {
	ChainID *big.Int
	Router  common.Address
	// Tokens maps an order token symbol to its contract.
	Tokens map[string]Token
	// Deadline is added to the submission time for the router deadline.
	Deadline time.Duration
	// GasLimitMargin multiplies the estimated gas.
	GasLimitMargin float64
	// AutoApprove sends an approve for the router when allowance is short.
	AutoApprove bool
	ReceiptPoll time.Duration
}

// chainClient is the part of *ethclient.Client the submitter needs.
type chainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMSubmitter swaps ERC-20 tokens on an EVM chain with a V2 router.
type EVMSubmitter struct {
	l         *zap.Logger
	client    chainClient
	signer    Signer
	cfg       EVMConfig
	routerABI abi.ABI
	erc20ABI  abi.ABI
	now       func() time.Time

	// sending is serialized so nonces are not handed out twice
	sendMu sync.Mutex
}

// NewEVMSubmitter creates a submitter. client is usually an *ethclient.Client.
func NewEVMSubmitter(l *zap.Logger, client chainClient, signer Signer, cfg EVMConfig) (*EVMSubmitter, error) {
	if client == nil || signer == nil {
		return nil, errors.New("chain client and signer are required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.Router == (common.Address{}) {
		return nil, errors.New("router address is required")
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultSwapDeadline
	}
	if cfg.GasLimitMargin < 1 {
		cfg.GasLimitMargin = defaultGasLimitMargin
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPollPeriod
	}

	routerABI, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse router abi")
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse erc20 abi")
	}

	return &EVMSubmitter{
		l:         l,
		client:    client,
		signer:    signer,
		cfg:       cfg,
		routerABI: routerABI,
		erc20ABI:  erc20ABI,
		now:       time.Now,
	}, nil
}

// Submit checks balance, allowance and the router quote, then broadcasts
// swapExactTokensForTokens.
func (s *EVMSubmitter) Submit(ctx context.Context, req domain.SwapRequest) (string, error) {
	from, ok := s.cfg.Tokens[req.FromToken]
	if !ok {
		return "", permanentFailure(domain.FailureRejected, "unknown token %s", req.FromToken)
	}
	to, ok := s.cfg.Tokens[req.ToToken]
	if !ok {
		return "", permanentFailure(domain.FailureRejected, "unknown token %s", req.ToToken)
	}

	amountIn := toUnits(req.Amount, from.Decimals)
	minOut := toUnits(req.MinReceived, to.Decimals)
	if amountIn.Sign() <= 0 {
		return "", permanentFailure(domain.FailureRejected, "amount %s rounds to zero units", req.Amount)
	}

	owner := s.signer.Address()
	path := []common.Address{from.Address, to.Address}

	balance, err := s.callUint(ctx, from.Address, s.erc20ABI, "balanceOf", owner)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amountIn) < 0 {
		return "", failure(domain.FailureInsufficientFunds, "%s balance %s below %s", req.FromToken, balance, amountIn)
	}

	if err := s.ensureAllowance(ctx, req.FromToken, from, owner, amountIn); err != nil {
		return "", err
	}

	quoted, err := s.quote(ctx, amountIn, path)
	if err != nil {
		return "", err
	}
	if quoted.Cmp(minOut) < 0 {
		return "", failure(domain.FailureSlippageExceeded, "router quotes %s, minimum is %s", quoted, minOut)
	}

	deadline := big.NewInt(s.now().Add(s.cfg.Deadline).Unix())
	data, err := s.routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, owner, deadline)
	if err != nil {
		return "", permanentFailure(domain.FailureRejected, "pack swap: %v", err)
	}

	hash, err := s.send(ctx, s.cfg.Router, data)
	if err != nil {
		return "", err
	}

	return hash.Hex(), nil
}

// WaitConfirmed polls for the receipt until it appears or ctx ends.
func (s *EVMSubmitter) WaitConfirmed(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(s.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
			return nil
		case err == nil:
			return failure(domain.FailureContractReverted, "tx %s reverted in block %s", txHash, receipt.BlockNumber)
		case !errors.Is(err, ethereum.NotFound):
			s.l.Debug("receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *EVMSubmitter) ensureAllowance(ctx context.Context, symbol string, token Token, owner common.Address, amount *big.Int) error {
	allowance, err := s.callUint(ctx, token.Address, s.erc20ABI, "allowance", owner, s.cfg.Router)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	if !s.cfg.AutoApprove {
		return failure(domain.FailureRejected, "%s allowance %s for router below %s", symbol, allowance, amount)
	}

	data, err := s.erc20ABI.Pack("approve", s.cfg.Router, amount)
	if err != nil {
		return permanentFailure(domain.FailureRejected, "pack approve: %v", err)
	}

	hash, err := s.send(ctx, token.Address, data)
	if err != nil {
		return err
	}
	s.l.Info("router approval sent", zap.String("token", symbol), zap.String("tx_hash", hash.Hex()))

	// the swap gas estimate fails until the approval is mined
	return s.WaitConfirmed(ctx, hash.Hex())
}

func (s *EVMSubmitter) quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := s.routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, permanentFailure(domain.FailureRejected, "pack quote: %v", err)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.cfg.Router, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	values, err := s.routerABI.Unpack("getAmountsOut", out)
	if err != nil || len(values) == 0 {
		return nil, failure(domain.FailureContractReverted, "decode router quote: %v", err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, failure(domain.FailureContractReverted, "unexpected router quote %v", values[0])
	}

	return amounts[len(amounts)-1], nil
}

func (s *EVMSubmitter) callUint(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...any) (*big.Int, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, permanentFailure(domain.FailureRejected, "pack %s: %v", method, err)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, failure(domain.FailureContractReverted, "decode %s: %v", method, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, failure(domain.FailureContractReverted, "unexpected %s result %v", method, values[0])
	}

	return v, nil
}

// send signs and broadcasts a call.
func (s *EVMSubmitter) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	from := s.signer.Address()

	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "estimate gas")
	}
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "suggest gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      uint64(float64(gas) * s.cfg.GasLimitMargin),
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := s.signer.SignTx(ctx, tx, s.cfg.ChainID)
	if err != nil {
		return common.Hash{}, err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return s.resolveBroadcast(ctx, signed.Hash(), err)
	}

	return signed.Hash(), nil
}

// resolveBroadcast decides what a failed SendTransaction means. A JSON-RPC
// error is the node refusing the tx. Anything else, a deadline included,
// leaves it unknown whether the tx reached the mempool: unless the node
// already knows the hash the failure is permanent, so the order is never
// signed again under a new nonce.
func (s *EVMSubmitter) resolveBroadcast(ctx context.Context, hash common.Hash, sendErr error) (common.Hash, error) {
	if strings.Contains(strings.ToLower(sendErr.Error()), "already known") {
		return hash, nil
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastLookupTimeout)
	defer cancel()

	_, _, lookupErr := s.client.TransactionByHash(lctx, hash)
	if lookupErr == nil {
		s.l.Warn("broadcast errored but node knows the tx", zap.String("tx_hash", hash.Hex()), zap.Error(sendErr))
		return hash, nil
	}

	var rpcErr rpc.Error
	if errors.As(sendErr, &rpcErr) {
		return common.Hash{}, errors.Wrap(sendErr, "send transaction")
	}

	s.l.Error("broadcast outcome unknown",
		zap.String("tx_hash", hash.Hex()),
		zap.Error(sendErr),
		zap.NamedError("lookup_error", lookupErr))
	return common.Hash{}, permanentFailure(domain.FailureNetworkError, "tx %s broadcast outcome unknown: %v", hash.Hex(), sendErr)
}

// toUnits converts a decimal token amount to integer base units, truncating.
func toUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
