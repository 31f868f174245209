package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/vultisig/position-manager/internal/sigutil"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/pkg/erc20"
	"github.com/vultisig/position-manager/plugin/dca"
)

type EthClient interface {
	NonceSource
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type ProviderConfig struct {
	// GasLimitBuffer is added to the gas estimate, in percent.
	GasLimitBuffer    uint64
	PollInterval      time.Duration
	PermissionManager common.Address
}

// EVMProvider estimates, submits and watches transactions on one EVM chain.
type EVMProvider struct {
	chainID int64
	client  EthClient
	signer  sigutil.Signer
	nonces  *NonceManager
	token   *erc20.Token
	hub     *dca.Encoder
	cfg     ProviderConfig
	logger  *logrus.Logger
}

func NewEVMProvider(chainID int64, client EthClient, signer sigutil.Signer, cfg ProviderConfig, logger *logrus.Logger) (*EVMProvider, error) {
	token, err := erc20.New()
	if err != nil {
		return nil, err
	}
	hub, err := dca.NewEncoder()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &EVMProvider{
		chainID: chainID,
		client:  client,
		signer:  signer,
		nonces:  NewNonceManager(client),
		token:   token,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (p *EVMProvider) ChainID() int64 {
	return p.chainID
}

func (p *EVMProvider) EstimateFee(ctx context.Context, req types.TxRequest) (types.FeeQuote, error) {
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return types.FeeQuote{}, classify("suggest gas price", err)
	}
	gasLimit, err := p.estimateGas(ctx, req)
	if err != nil {
		return types.FeeQuote{}, err
	}
	total := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return types.FeeQuote{
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Total:    total,
	}, nil
}

func (p *EVMProvider) estimateGas(ctx context.Context, req types.TxRequest) (uint64, error) {
	to := req.To
	gas, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  req.From,
		To:    &to,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return 0, classify("estimate gas", err)
	}
	return gas + gas*p.cfg.GasLimitBuffer/100, nil
}

// Submit signs and broadcasts req and returns the transaction hash.
func (p *EVMProvider) Submit(ctx context.Context, req types.TxRequest) (common.Hash, error) {
	if p.signer == nil {
		return common.Hash{}, fmt.Errorf("no signer configured for chain %d", p.chainID)
	}
	fee, err := p.EstimateFee(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := p.nonces.GetNextNonce(ctx, req.From)
	if err != nil {
		return common.Hash{}, classify("get nonce", err)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	tx := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      fee.GasLimit,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})

	signed, err := p.signer.SignTx(ctx, req.From, tx, big.NewInt(p.chainID))
	if err != nil {
		p.nonces.ResetNonce(req.From)
		if errors.Is(err, sigutil.ErrUnknownAccount) {
			return common.Hash{}, err
		}
		return common.Hash{}, classify("sign transaction", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		p.nonces.ResetNonce(req.From)
		p.logger.WithFields(logrus.Fields{
			"chain_id": p.chainID,
			"from":     req.From.Hex(),
			"nonce":    nonce,
		}).Error("fail to send transaction: ", err)
		return common.Hash{}, classify("send transaction", err)
	}

	p.logger.WithFields(logrus.Fields{
		"chain_id": p.chainID,
		"hash":     signed.Hash().Hex(),
		"nonce":    nonce,
	}).Info("transaction sent")
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func (p *EVMProvider) WaitForReceipt(ctx context.Context, hash common.Hash) (types.Receipt, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return toReceipt(hash, receipt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			p.logger.WithField("hash", hash.Hex()).Warnf("fail to get transaction receipt: %v", err)
		}

		select {
		case <-ctx.Done():
			return types.Receipt{}, &types.ChainSubmissionError{Op: "wait for receipt", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (p *EVMProvider) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error) {
	if err := p.checkChain(chainID); err != nil {
		return nil, err
	}
	data, err := p.token.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	return p.callAmount(ctx, token, "allowance", data)
}

func (p *EVMProvider) GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error) {
	if err := p.checkChain(chainID); err != nil {
		return nil, err
	}
	data, err := p.token.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	return p.callAmount(ctx, token, "balanceOf", data)
}

func (p *EVMProvider) callAmount(ctx context.Context, token common.Address, method string, data []byte) (*big.Int, error) {
	output, err := p.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("fail to call %s on %s: %w", method, token.Hex(), err)
	}
	return p.token.UnpackAmount(method, output)
}

func (p *EVMProvider) checkChain(chainID int64) error {
	if chainID != p.chainID {
		return fmt.Errorf("provider for chain %d cannot serve chain %d", p.chainID, chainID)
	}
	return nil
}

func toReceipt(hash common.Hash, r *gtypes.Receipt) types.Receipt {
	receipt := types.Receipt{
		Hash:    hash,
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt
}
