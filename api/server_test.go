package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/position-manager/internal/allowance"
	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/plugin/dca"
	"github.com/vultisig/position-manager/service"
	"github.com/vultisig/position-manager/storage"
	"github.com/vultisig/position-manager/test/mocks/allowancereader"
	"github.com/vultisig/position-manager/test/mocks/database"
	"github.com/vultisig/position-manager/test/mocks/positionreader"
	"github.com/vultisig/position-manager/test/mocks/provider"
	"github.com/vultisig/position-manager/test/mocks/queueclient"
)

const testChain int64 = 137

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testHub     = common.HexToAddress("0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345")
	testTxHash  = common.HexToHash("0xbeef")
)

type testServer struct {
	db        *database.MockDB
	provider  *provider.MockProvider
	reader    *positionreader.MockPositionReader
	sessions  *service.SessionManager
	positions *service.PositionService
	server    *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ts := &testServer{
		db:       new(database.MockDB),
		provider: new(provider.MockProvider),
		reader:   new(positionreader.MockPositionReader),
	}
	queue := new(queueclient.MockQueueClient)
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(&asynq.TaskInfo{ID: "task"}, nil).Maybe()
	ts.db.On("CreateSession", mock.Anything, mock.Anything).Return(nil).Maybe()
	ts.db.On("GetSessionByAccount", mock.Anything, mock.Anything).Return(nil, storage.ErrNotFound).Maybe()
	ts.db.On("UpsertTransactionRecord", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	ts.db.On("DeleteTransactionRecords", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := allowance.NewCachedReader(new(allowancereader.MockReader), rdb, time.Minute, logger)

	var err error
	ts.sessions, err = service.NewSessionManager(ts.db, []int64{1, testChain}, logger)
	require.NoError(t, err)
	ts.positions, err = service.NewPositionService(ts.sessions, ts.provider, ts.reader, cache, nil, queue, nil,
		service.PositionServiceConfig{ReceiptTimeout: time.Minute}, logger)
	require.NoError(t, err)
	ts.server = NewServer("localhost", 0, ts.sessions, ts.positions, service.NewBroadcaster(logger), logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) openSession(t *testing.T) *service.Session {
	t.Helper()
	session, err := ts.sessions.Open(context.Background(), testAccount, testChain)
	require.NoError(t, err)
	return session
}

func testPosition() types.Position {
	tokenID := big.NewInt(7)
	return types.Position{
		ID:                 types.PositionID(testChain, testHub, tokenID),
		ChainID:            testChain,
		Hub:                testHub,
		TokenID:            tokenID,
		Owner:              testAccount,
		From:               types.Token{Address: common.HexToAddress("0x01"), Decimals: 6, Symbol: "USDC"},
		To:                 types.Token{Address: common.HexToAddress("0x02"), Decimals: 18, Symbol: "WETH"},
		SwapInterval:       types.SwapIntervalDaily,
		Rate:               big.NewInt(1_000_000),
		RemainingSwaps:     10,
		RemainingLiquidity: big.NewInt(10_000_000),
		SwappedUnclaimed:   big.NewInt(5),
		Status:             types.PositionStatusActive,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSessionRoutes(t *testing.T) {
	testCases := []struct {
		name         string
		body         string
		expectedCode int
		errorCode    string
	}{
		{
			name:         "open",
			body:         `{"account":"0x1111111111111111111111111111111111111111","chain_id":137}`,
			expectedCode: http.StatusCreated,
		},
		{
			name:         "bad checksum",
			body:         `{"account":"0xA0B86991c6218b36c1d19D4a2e9Eb0cE3606eB48","chain_id":137}`,
			expectedCode: http.StatusBadRequest,
			errorCode:    "invalid_request",
		},
		{
			name:         "missing chain",
			body:         `{"account":"0x1111111111111111111111111111111111111111"}`,
			expectedCode: http.StatusBadRequest,
			errorCode:    "invalid_request",
		},
		{
			name:         "unsupported chain",
			body:         `{"account":"0x1111111111111111111111111111111111111111","chain_id":5}`,
			expectedCode: http.StatusBadRequest,
			errorCode:    "unsupported_chain",
		},
		{
			name:         "malformed body",
			body:         `{"account":`,
			expectedCode: http.StatusBadRequest,
			errorCode:    "invalid_request",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/sessions", tc.body)
			require.Equal(t, tc.expectedCode, rec.Code, rec.Body.String())
			if tc.errorCode != "" {
				require.Equal(t, tc.errorCode, decodeError(t, rec).Code)
				return
			}
			var info types.SessionInfo
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
			require.Equal(t, testAccount, info.Account)
			require.NotEqual(t, uuid.Nil, info.ID)
		})
	}
}

func TestGetAndSwitchSession(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)

	rec := ts.do(t, http.MethodGet, "/sessions/"+session.ID().String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	unknown := uuid.New()
	ts.db.On("GetSession", mock.Anything, unknown).Return(nil, storage.ErrNotFound).Once()
	rec = ts.do(t, http.MethodGet, "/sessions/"+unknown.String(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "session_not_found", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/sessions/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ts.db.On("WithTransaction", mock.Anything, mock.Anything).Return(true, nil)
	ts.db.On("UpdateSessionChainTx", mock.Anything, mock.Anything, session.ID(), int64(1)).Return(nil).Once()
	rec = ts.do(t, http.MethodPut, "/sessions/"+session.ID().String()+"/chain", `{"chain_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(1), session.ChainID())

	ts.db.On("DeleteSessionTransactionsTx", mock.Anything, mock.Anything, session.ID().String()).Return(nil).Once()
	ts.db.On("DeleteSessionTx", mock.Anything, mock.Anything, session.ID()).Return(nil).Once()
	rec = ts.do(t, http.MethodDelete, "/sessions/"+session.ID().String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPreviewRoute(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)
	pos := testPosition()
	ts.reader.On("GetPosition", mock.Anything, testChain, pos.ID).Return(pos, nil).Once()
	ts.provider.On("EstimateFee", mock.Anything, mock.Anything).
		Return(types.FeeQuote{GasLimit: 21000, GasPrice: big.NewInt(1), Total: big.NewInt(21000)}, nil)
	path := fmt.Sprintf("/sessions/%s/positions/%s", session.ID(), pos.ID)

	// 5 swaps of the same 10 USDC
	rec := ts.do(t, http.MethodPost, path+"/preview", `{"swaps":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview service.Preview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	require.Equal(t, dca.PhaseDraft, preview.Phase)
	require.Equal(t, int64(2_000_000), preview.Position.Rate.Int64())

	rec = ts.do(t, http.MethodPost, path+"/preview", `{"rate":"1","swaps":3}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_edit", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodPost, path+"/preview", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, path+"/preview", `{"liquidity":"-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, path+"/draft", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, path+"/modify", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_state", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/sessions/%s/positions/bad", session.ID()), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewDisplay(t *testing.T) {
	testCases := []struct {
		name         string
		body         string
		expectedCode int
		expectedUSD  string
	}{
		{
			name:         "no price",
			body:         `{"swaps":5}`,
			expectedCode: http.StatusOK,
		},
		{
			name:         "usd price",
			body:         `{"swaps":5,"price_usd":"1.01"}`,
			expectedCode: http.StatusOK,
			expectedUSD:  "10.1",
		},
		{
			name:         "oracle answer",
			body:         `{"swaps":5,"price_answer":"101000000","price_decimals":8}`,
			expectedCode: http.StatusOK,
			expectedUSD:  "10.1",
		},
		{
			name:         "both prices",
			body:         `{"swaps":5,"price_usd":"1","price_answer":"1"}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "fractional answer",
			body:         `{"swaps":5,"price_answer":"1.5"}`,
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			session := ts.openSession(t)
			pos := testPosition()
			ts.reader.On("GetPosition", mock.Anything, testChain, pos.ID).Return(pos, nil).Once()
			ts.provider.On("EstimateFee", mock.Anything, mock.Anything).
				Return(types.FeeQuote{GasLimit: 21000, GasPrice: big.NewInt(1), Total: big.NewInt(21000)}, nil).Maybe()

			rec := ts.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/positions/%s/preview", session.ID(), pos.ID), tc.body)
			require.Equal(t, tc.expectedCode, rec.Code, rec.Body.String())
			if tc.expectedCode != http.StatusOK {
				return
			}
			var resp previewResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, "10", resp.Display.Liquidity)
			require.Equal(t, "2", resp.Display.Rate)
			require.Equal(t, "0", resp.Display.Unallocated)
			if tc.expectedUSD == "" {
				require.Nil(t, resp.Display.LiquidityUSD)
				return
			}
			require.NotNil(t, resp.Display.LiquidityUSD)
			require.Equal(t, tc.expectedUSD, resp.Display.LiquidityUSD.String())
		})
	}
}

func TestPermissionRoutes(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)
	pos := testPosition()
	ts.reader.On("GetPosition", mock.Anything, testChain, pos.ID).Return(pos, nil).Once()
	path := fmt.Sprintf("/sessions/%s/positions/%s/permissions", session.ID(), pos.ID)
	operator := "0x3333333333333333333333333333333333333333"

	rec := ts.do(t, http.MethodPatch, path, fmt.Sprintf(`{"action":"add","operator":"%s","permissions":["withdraw","TERMINATE"]}`, operator))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view service.PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.True(t, view.PermissionsChanged)
	require.Equal(t, []types.PermissionSet{{
		Operator:    common.HexToAddress(operator),
		Permissions: []types.Permission{types.PermissionWithdraw, types.PermissionTerminate},
	}}, view.PermissionDraft)
	require.Len(t, view.PermissionPatch.ToAdd, 1)

	rec = ts.do(t, http.MethodPatch, path, fmt.Sprintf(`{"action":"remove","operator":"%s","permissions":["withdraw"]}`, operator))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPatch, path, fmt.Sprintf(`{"action":"toggle","operator":"%s","permissions":[]}`, operator))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, path+"/submit", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	require.Equal(t, "permission_manager_unavailable", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodDelete, path+"/0x1234", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, path+"/"+operator, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = service.PositionView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.False(t, view.PermissionsChanged)
	require.Empty(t, view.PermissionDraft)
	require.Nil(t, view.PermissionPatch)
}

func TestSubmitErrors(t *testing.T) {
	testCases := []struct {
		name         string
		err          error
		expectedCode int
		errorCode    string
	}{
		{
			name:         "user rejected",
			err:          &types.UserRejectedError{Err: errors.New("denied")},
			expectedCode: http.StatusConflict,
			errorCode:    "user_rejected",
		},
		{
			name:         "chain failure",
			err:          &types.ChainSubmissionError{Op: "send transaction", Err: errors.New("underpriced")},
			expectedCode: http.StatusBadGateway,
			errorCode:    "chain_error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			session := ts.openSession(t)
			pos := testPosition()
			ts.reader.On("GetPosition", mock.Anything, testChain, pos.ID).Return(pos, nil).Once()
			ts.provider.On("Submit", mock.Anything, mock.Anything).Return(common.Hash{}, tc.err).Once()

			rec := ts.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/positions/%s/withdraw", session.ID(), pos.ID), "")
			require.Equal(t, tc.expectedCode, rec.Code)
			require.Equal(t, tc.errorCode, decodeError(t, rec).Code)
		})
	}
}

func TestTransactionRoutes(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)
	path := fmt.Sprintf("/sessions/%s/transactions", session.ID())

	body := fmt.Sprintf(`{"hash":"%s","type":"claim","type_data":{"token":{"address":"0x0000000000000000000000000000000000000002","decimals":18,"symbol":"WETH"},"amount":5}}`, testTxHash.Hex())
	rec := ts.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, path+"?chain_id=137", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []types.TransactionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, types.TxTypeClaim, records[0].Type)
	require.Equal(t, types.StatusPending, records[0].Status)

	rec = ts.do(t, http.MethodGet, path+"?chain_id=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cleared":1}`, rec.Body.String())
}

func TestStreamEvents(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/sessions/%s/events", srv.URL, session.ID()), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = ts.positions.TrackExternal(ctx, session.ID(), types.TransactionRecord{
		Hash: testTxHash,
		Data: types.ClaimData{Amount: big.NewInt(1)},
	})
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "event: transaction", lines[0])

	var m streamMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &m))
	require.Equal(t, tracker.EventAdded, m.Transaction.Kind)
	require.Equal(t, testTxHash, m.Transaction.Record.Hash)
}

func TestStreamEventsWS(t *testing.T) {
	ts := newTestServer(t)
	session := ts.openSession(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/sessions/%s/ws", session.ID())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is in place once the upgrade completed
	_, err = ts.positions.TrackExternal(context.Background(), session.ID(), types.TransactionRecord{
		Hash: testTxHash,
		Data: types.ClaimData{Amount: big.NewInt(1)},
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m streamMessage
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, messageTransaction, m.Type)
	require.Equal(t, testTxHash, m.Transaction.Record.Hash)
}

func TestStatusOf(t *testing.T) {
	testCases := []struct {
		err      error
		expected int
	}{
		{err: service.ErrSessionNotFound, expected: http.StatusNotFound},
		{err: fmt.Errorf("wrapped: %w", tracker.ErrApprovalPending), expected: http.StatusConflict},
		{err: service.ErrApprovalRequired, expected: http.StatusConflict},
		{err: service.ErrPositionNotOwned, expected: http.StatusForbidden},
		{err: &types.InvalidDurationError{Swaps: 0, Liquidity: big.NewInt(1)}, expected: http.StatusBadRequest},
		{err: types.ErrStaleEstimation, expected: http.StatusConflict},
		{err: errors.New("boom"), expected: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, statusOf(tc.err).status, tc.err.Error())
	}
}
