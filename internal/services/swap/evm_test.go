package swap

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

var (
	testRouter = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testXFI    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testUSDT   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testChain  = big.NewInt(4158)
)

// fakeChain answers router and token calls from fixed values and records
// every broadcast transaction.
type fakeChain struct {
	mu        sync.Mutex
	routerABI abi.ABI
	erc20ABI  abi.ABI

	balance   *big.Int
	allowance *big.Int
	quoteOut  *big.Int
	reverted  bool
	sendErr   error
	// acceptOnErr keeps the tx in the pool even though SendTransaction errors
	acceptOnErr bool
	nonce       uint64
	sent      []*types.Transaction
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()

	routerABI, err := abi.JSON(strings.NewReader(routerABIJSON))
	require.NoError(t, err)
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	require.NoError(t, err)

	return &fakeChain{
		routerABI: routerABI,
		erc20ABI:  erc20ABI,
		balance:   units("1000", 18),
		allowance: units("1000", 18),
		quoteOut:  units("10", 6),
	}
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, err := f.erc20ABI.MethodById(msg.Data[:4]); err == nil {
		switch m.Name {
		case "balanceOf":
			return m.Outputs.Pack(f.balance)
		case "allowance":
			return m.Outputs.Pack(f.allowance)
		}
	}
	if m, err := f.routerABI.MethodById(msg.Data[:4]); err == nil && m.Name == "getAmountsOut" {
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack([]*big.Int{args[0].(*big.Int), f.quoteOut})
	}

	return nil, errors.Errorf("unexpected call %s", hexutil.Encode(msg.Data[:4]))
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150000, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		if f.acceptOnErr {
			f.sent = append(f.sent, tx)
			f.nonce++
		}
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++

	// approvals take effect once mined, which is immediate here
	if m, err := f.erc20ABI.MethodById(tx.Data()[:4]); err == nil && m.Name == "approve" {
		args, err := m.Inputs.Unpack(tx.Data()[4:])
		if err == nil {
			f.allowance = args[1].(*big.Int)
		}
	}
	return nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, tx := range f.sent {
		if tx.Hash() == hash {
			status := types.ReceiptStatusSuccessful
			if f.reverted {
				status = types.ReceiptStatusFailed
			}
			return &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func units(amount string, decimals int32) *big.Int {
	return toUnits(decimal.RequireFromString(amount), decimals)
}

func newTestSigner(t *testing.T) *KeySigner {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer, err := NewKeySigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer
}

func newTestEVMSubmitter(t *testing.T, chain *fakeChain, signer Signer, autoApprove bool) *EVMSubmitter {
	t.Helper()

	s, err := NewEVMSubmitter(zap.NewNop(), chain, signer, EVMConfig{
		ChainID: testChain,
		Router:  testRouter,
		Tokens: map[string]Token{
			"XFI":  {Address: testXFI, Decimals: 18},
			"USDT": {Address: testUSDT, Decimals: 6},
		},
		AutoApprove: autoApprove,
		ReceiptPoll: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func evmSellRequest() domain.SwapRequest {
	return domain.SwapRequest{
		OrderID:     "order-1",
		Attempt:     2,
		FromToken:   "XFI",
		ToToken:     "USDT",
		Amount:      decimal.NewFromInt(100),
		MinReceived: decimal.RequireFromString("9.95"),
		QuotePrice:  decimal.RequireFromString("0.1"),
		Direction:   domain.DirectionSell,
	}
}

func TestEVMSubmitter_Swap(t *testing.T) {
	chain := newFakeChain(t)
	signer := newTestSigner(t)
	s := newTestEVMSubmitter(t, chain, signer, false)

	hash, err := s.Submit(context.Background(), evmSellRequest())
	require.NoError(t, err)
	require.Equal(t, 1, chain.sentCount())

	tx := chain.sent[0]
	assert.Equal(t, hash, tx.Hash().Hex())
	assert.Equal(t, testRouter, *tx.To())
	assert.Greater(t, tx.Gas(), uint64(150000))

	from, err := types.Sender(types.LatestSignerForChainID(testChain), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	method := s.routerABI.Methods["swapExactTokensForTokens"]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, units("100", 18), args[0].(*big.Int))
	assert.Equal(t, units("9.95", 6), args[1].(*big.Int))
	assert.Equal(t, []common.Address{testXFI, testUSDT}, args[2].([]common.Address))
	assert.Equal(t, signer.Address(), args[3].(common.Address))

	require.NoError(t, s.WaitConfirmed(context.Background(), hash))
}

func TestEVMSubmitter_PreflightFailures(t *testing.T) {
	tests := map[string]struct {
		prepare   func(*fakeChain)
		req       func() domain.SwapRequest
		kind      domain.FailureKind
		permanent bool
	}{
		"balance below amount": {
			prepare: func(f *fakeChain) { f.balance = units("99", 18) },
			req:     evmSellRequest,
			kind:    domain.FailureInsufficientFunds,
		},
		"router quote below minimum": {
			prepare: func(f *fakeChain) { f.quoteOut = units("9.9", 6) },
			req:     evmSellRequest,
			kind:    domain.FailureSlippageExceeded,
		},
		"allowance short without auto approve": {
			prepare: func(f *fakeChain) { f.allowance = big.NewInt(0) },
			req:     evmSellRequest,
			kind:    domain.FailureRejected,
		},
		"unknown token": {
			prepare: func(*fakeChain) {},
			req: func() domain.SwapRequest {
				req := evmSellRequest()
				req.ToToken = "DOGE"
				return req
			},
			kind:      domain.FailureRejected,
			permanent: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			chain := newFakeChain(t)
			tt.prepare(chain)
			s := newTestEVMSubmitter(t, chain, newTestSigner(t), false)

			_, err := s.Submit(context.Background(), tt.req())
			require.Error(t, err)

			f := Classify(err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.permanent, f.Permanent)
			assert.Zero(t, chain.sentCount())
		})
	}
}

func TestEVMSubmitter_AutoApprove(t *testing.T) {
	chain := newFakeChain(t)
	chain.allowance = big.NewInt(0)
	s := newTestEVMSubmitter(t, chain, newTestSigner(t), true)

	_, err := s.Submit(context.Background(), evmSellRequest())
	require.NoError(t, err)

	require.Equal(t, 2, chain.sentCount())
	assert.Equal(t, testXFI, *chain.sent[0].To())
	assert.Equal(t, testRouter, *chain.sent[1].To())
	assert.Equal(t, chain.sent[0].Nonce()+1, chain.sent[1].Nonce())
}

type nodeError struct{ msg string }

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return -32000 }

func TestEVMSubmitter_BroadcastError(t *testing.T) {
	tests := map[string]struct {
		sendErr     error
		acceptOnErr bool
		kind        domain.FailureKind
		permanent   bool
		sent        bool
	}{
		"node rejects tx": {
			sendErr: nodeError{msg: "replacement transaction underpriced"},
			kind:    domain.FailureNetworkError,
		},
		"node reports insufficient funds": {
			sendErr: nodeError{msg: "insufficient funds for gas * price + value"},
			kind:    domain.FailureInsufficientFunds,
		},
		"transport error": {
			sendErr:   errors.New("503 service unavailable"),
			kind:      domain.FailureNetworkError,
			permanent: true,
		},
		"deadline while broadcasting": {
			sendErr:   context.DeadlineExceeded,
			kind:      domain.FailureNetworkError,
			permanent: true,
		},
		"deadline but node has the tx": {
			sendErr:     context.DeadlineExceeded,
			acceptOnErr: true,
			sent:        true,
		},
		"already known": {
			sendErr: nodeError{msg: "already known"},
			sent:    true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			chain := newFakeChain(t)
			chain.sendErr = tt.sendErr
			chain.acceptOnErr = tt.acceptOnErr
			s := newTestEVMSubmitter(t, chain, newTestSigner(t), false)

			hash, err := s.Submit(context.Background(), evmSellRequest())
			if tt.sent {
				require.NoError(t, err)
				assert.NotEmpty(t, hash)
				return
			}

			require.Error(t, err)
			f := Classify(err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.permanent, f.Permanent)
		})
	}
}

func TestEVMSubmitter_WaitConfirmed(t *testing.T) {
	chain := newFakeChain(t)
	s := newTestEVMSubmitter(t, chain, newTestSigner(t), false)

	hash, err := s.Submit(context.Background(), evmSellRequest())
	require.NoError(t, err)

	chain.mu.Lock()
	chain.reverted = true
	chain.mu.Unlock()

	err = s.WaitConfirmed(context.Background(), hash)
	assert.Equal(t, domain.FailureContractReverted, Classify(err).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.WaitConfirmed(ctx, common.Hash{}.Hex())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewKeySigner(t *testing.T) {
	_, err := NewKeySigner("")
	require.Error(t, err)

	_, err = NewKeySigner("0xnothex")
	require.Error(t, err)

	signer := newTestSigner(t)
	assert.NotEqual(t, common.Address{}, signer.Address())
}
