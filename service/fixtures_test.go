package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/position-manager/internal/allowance"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/storage"
	"github.com/vultisig/position-manager/test/mocks/allowancereader"
	"github.com/vultisig/position-manager/test/mocks/database"
	"github.com/vultisig/position-manager/test/mocks/notifier"
	"github.com/vultisig/position-manager/test/mocks/positionreader"
	"github.com/vultisig/position-manager/test/mocks/provider"
	"github.com/vultisig/position-manager/test/mocks/queueclient"
)

const testChain int64 = 137

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testHub     = common.HexToAddress("0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345")
	testManager = common.HexToAddress("0x20bdAE1413659f47416f769a4B27044946bc9923")
	testUSDC    = types.Token{Address: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), Decimals: 6, Symbol: "USDC"}
	testWETH    = types.Token{Address: common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"), Decimals: 18, Symbol: "WETH"}
	testOp      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testTxHash  = common.HexToHash("0xaaaa")
)

func testPosition() types.Position {
	tokenID := big.NewInt(42)
	return types.Position{
		ID:                 types.PositionID(testChain, testHub, tokenID),
		ChainID:            testChain,
		Hub:                testHub,
		TokenID:            tokenID,
		Owner:              testAccount,
		From:               testUSDC,
		To:                 testWETH,
		SwapInterval:       types.SwapIntervalDaily,
		Rate:               big.NewInt(10),
		RemainingSwaps:     10,
		RemainingLiquidity: big.NewInt(100),
		SwappedUnclaimed:   big.NewInt(50),
		Status:             types.PositionStatusActive,
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

type testEnv struct {
	db          *database.MockDB
	provider    *provider.MockProvider
	reader      *positionreader.MockPositionReader
	chainReader *allowancereader.MockReader
	notifier    *notifier.MockNotifier
	queue       *queueclient.MockQueueClient
	redis       *miniredis.Miniredis
	balanceCall *mock.Call
	sessions    *SessionManager
	svc         *PositionService
	session     *Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env := &testEnv{
		db:          new(database.MockDB),
		provider:    new(provider.MockProvider),
		reader:      new(positionreader.MockPositionReader),
		chainReader: new(allowancereader.MockReader),
		notifier:    new(notifier.MockNotifier),
		queue:       new(queueclient.MockQueueClient),
		redis:       miniredis.RunT(t),
	}
	rdb := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env.db.On("CreateSession", mock.Anything, mock.Anything).Return(nil).Maybe()
	env.db.On("GetSessionByAccount", mock.Anything, testAccount).Return(nil, storage.ErrNotFound).Maybe()
	env.db.On("UpsertTransactionRecord", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	env.db.On("DeleteTransactionRecords", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	env.queue.On("Enqueue", mock.Anything, mock.Anything).Return(&asynq.TaskInfo{ID: "task"}, nil).Maybe()
	env.balanceCall = env.chainReader.On("GetBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(big.NewInt(1_000_000), nil).Maybe()

	var err error
	env.sessions, err = NewSessionManager(env.db, []int64{1, testChain}, logger)
	require.NoError(t, err)

	cache := allowance.NewCachedReader(env.chainReader, rdb, time.Minute, logger)
	env.svc, err = NewPositionService(env.sessions, env.provider, env.reader, cache, env.notifier, env.queue, nil,
		PositionServiceConfig{
			ReceiptTimeout:     time.Minute,
			PermissionManagers: map[int64]common.Address{testChain: testManager},
		}, logger)
	require.NoError(t, err)

	env.session, err = env.sessions.Open(context.Background(), testAccount, testChain)
	require.NoError(t, err)
	return env
}

// expectPosition makes the chain return pos on the next read.
func (e *testEnv) expectPosition(pos types.Position) {
	e.reader.On("GetPosition", mock.Anything, pos.ChainID, pos.ID).Return(pos, nil).Once()
}

func (e *testEnv) expectAllowance(token types.Token, value int64) {
	e.chainReader.On("GetAllowance", mock.Anything, token.Address, testAccount, testHub, testChain).
		Return(big.NewInt(value), nil).Once()
}

func feeTo(to common.Address) interface{} {
	return mock.MatchedBy(func(req types.TxRequest) bool {
		return req.To == to
	})
}

func testFee(gas uint64) types.FeeQuote {
	return types.FeeQuote{GasLimit: gas, GasPrice: big.NewInt(1), Total: new(big.Int).SetUint64(gas)}
}
