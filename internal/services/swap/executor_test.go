package swap

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

type submitterMock struct {
	mock.Mock
}

func (m *submitterMock) Submit(ctx context.Context, req domain.SwapRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type confirmingSubmitterMock struct {
	submitterMock
}

func (m *confirmingSubmitterMock) WaitConfirmed(ctx context.Context, txHash string) error {
	args := m.Called(ctx, txHash)
	return args.Error(0)
}

func sellOrder(t *testing.T) domain.DCAOrder {
	t.Helper()

	order, err := domain.NewDCAOrder(domain.NewOrderParams{
		OwnerID:          "wallet-1",
		Direction:        domain.DirectionSell,
		FromToken:        "XFI",
		ToToken:          "USDT",
		FromAmount:       decimal.NewFromInt(100),
		TriggerPrice:     decimal.RequireFromString("0.10"),
		TriggerCondition: domain.TriggerAbove,
		MaxSlippageBps:   50,
		MaxRetries:       3,
	}, time.Now())
	require.NoError(t, err)

	acquired, err := domain.Acquire(order, time.Now())
	require.NoError(t, err)
	return acquired
}

func pricePoint(price string) domain.PricePoint {
	return domain.PricePoint{Price: decimal.RequireFromString(price), ObservedAt: time.Now(), Source: "test"}
}

func TestExecutor_Success(t *testing.T) {
	order := sellOrder(t)
	submitter := &submitterMock{}
	submitter.On("Submit", mock.Anything, mock.MatchedBy(func(req domain.SwapRequest) bool {
		return req.OrderID == order.ID &&
			req.Attempt == order.Version &&
			req.Amount.Equal(decimal.NewFromInt(100)) &&
			// 100 XFI at 0.105 is 10.5 USDT, minus 0.5%
			req.MinReceived.Equal(decimal.RequireFromString("10.4475"))
	})).Return("0xfeed", nil).Once()

	executor, err := NewExecutor(zap.NewNop(), submitter, Config{})
	require.NoError(t, err)

	res := executor.Execute(context.Background(), order, pricePoint("0.105"))

	success, ok := res.(domain.SwapSuccess)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, "0xfeed", success.TxHash)
	assert.True(t, success.ExecutedPrice.Equal(decimal.RequireFromString("0.105")))
	submitter.AssertExpectations(t)
}

func TestExecutor_SubmitErrorsAreClassified(t *testing.T) {
	tests := map[string]struct {
		err       error
		kind      domain.FailureKind
		retryable bool
	}{
		"slippage revert": {
			err:       errors.New("execution reverted: UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT"),
			kind:      domain.FailureSlippageExceeded,
			retryable: true,
		},
		"node unreachable": {
			err:       errors.New("dial tcp 10.0.0.1:8545: connection refused"),
			kind:      domain.FailureNetworkError,
			retryable: true,
		},
		"no gas money": {
			err:  errors.New("insufficient funds for gas * price + value"),
			kind: domain.FailureInsufficientFunds,
		},
		"signer refused": {
			err:  errors.Wrap(ErrSignerRejected, "hsm"),
			kind: domain.FailureRejected,
		},
		"classified permanent": {
			err:  permanentFailure(domain.FailureContractReverted, "bad path"),
			kind: domain.FailureContractReverted,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			submitter := &submitterMock{}
			submitter.On("Submit", mock.Anything, mock.Anything).Return("", tt.err).Once()

			executor, err := NewExecutor(zap.NewNop(), submitter, Config{})
			require.NoError(t, err)

			res := executor.Execute(context.Background(), sellOrder(t), pricePoint("0.1"))

			f, ok := res.(domain.SwapFailure)
			require.True(t, ok, "got %#v", res)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.retryable, f.Retryable())
		})
	}
}

func TestExecutor_InvalidSlippageNeverSubmits(t *testing.T) {
	order := sellOrder(t)
	order.MaxSlippageBps = domain.MaxSlippageBps + 1

	submitter := &submitterMock{}
	executor, err := NewExecutor(zap.NewNop(), submitter, Config{})
	require.NoError(t, err)

	res := executor.Execute(context.Background(), order, pricePoint("0.1"))

	f, ok := res.(domain.SwapFailure)
	require.True(t, ok)
	assert.False(t, f.Retryable())
	submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestNewExecutor_ConfirmationNeedsConfirmer(t *testing.T) {
	_, err := NewExecutor(zap.NewNop(), &submitterMock{}, Config{RequireConfirmation: true})
	require.Error(t, err)

	_, err = NewExecutor(zap.NewNop(), &confirmingSubmitterMock{}, Config{RequireConfirmation: true})
	require.NoError(t, err)
}

func TestExecutor_Confirmation(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		submitter := &confirmingSubmitterMock{}
		submitter.On("Submit", mock.Anything, mock.Anything).Return("0x1", nil).Once()
		submitter.On("WaitConfirmed", mock.Anything, "0x1").Return(nil).Once()

		executor, err := NewExecutor(zap.NewNop(), submitter, Config{RequireConfirmation: true})
		require.NoError(t, err)

		_, ok := executor.Execute(context.Background(), sellOrder(t), pricePoint("0.1")).(domain.SwapSuccess)
		require.True(t, ok)
		submitter.AssertExpectations(t)
	})

	t.Run("reverted on chain stays retryable", func(t *testing.T) {
		submitter := &confirmingSubmitterMock{}
		submitter.On("Submit", mock.Anything, mock.Anything).Return("0x2", nil).Once()
		submitter.On("WaitConfirmed", mock.Anything, "0x2").
			Return(failure(domain.FailureContractReverted, "status 0")).Once()

		executor, err := NewExecutor(zap.NewNop(), submitter, Config{RequireConfirmation: true})
		require.NoError(t, err)

		f, ok := executor.Execute(context.Background(), sellOrder(t), pricePoint("0.1")).(domain.SwapFailure)
		require.True(t, ok)
		assert.Equal(t, domain.FailureContractReverted, f.Kind)
		assert.True(t, f.Retryable())
	})

	t.Run("unconfirmed is never resubmitted", func(t *testing.T) {
		submitter := &confirmingSubmitterMock{}
		submitter.On("Submit", mock.Anything, mock.Anything).Return("0x3", nil).Once()
		submitter.On("WaitConfirmed", mock.Anything, "0x3").Return(context.DeadlineExceeded).Once()

		executor, err := NewExecutor(zap.NewNop(), submitter, Config{RequireConfirmation: true, ConfirmTimeout: time.Second})
		require.NoError(t, err)

		f, ok := executor.Execute(context.Background(), sellOrder(t), pricePoint("0.1")).(domain.SwapFailure)
		require.True(t, ok)
		assert.Equal(t, domain.FailureNetworkError, f.Kind)
		assert.False(t, f.Retryable())
		assert.Contains(t, f.Message, "0x3")
	})
}

func TestClassify_PermanentReverts(t *testing.T) {
	f := Classify(errors.New("execution reverted: UniswapV2Library: IDENTICAL_ADDRESSES"))
	assert.Equal(t, domain.FailureContractReverted, f.Kind)
	assert.False(t, f.Retryable())

	f = Classify(errors.New("execution reverted: TransferHelper: TRANSFER_FROM_FAILED"))
	assert.Equal(t, domain.FailureContractReverted, f.Kind)
	assert.True(t, f.Retryable())

	f = Classify(errors.New("MetaMask Tx Signature: User denied transaction signature."))
	assert.Equal(t, domain.FailureRejected, f.Kind)
}
