package sigutil

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownAccount = errors.New("signer does not hold the key for this account")

// Signer signs transactions on behalf of an account. Implementations backed by
// an interactive wallet return types.UserRejectedError when the user declines.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *gtypes.Transaction, chainID *big.Int) (*gtypes.Transaction, error)
}

// KeySigner signs with a single private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("fail to parse private key: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(ctx context.Context, from common.Address, tx *gtypes.Transaction, chainID *big.Int) (*gtypes.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from != s.address {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	signed, err := gtypes.SignTx(tx, gtypes.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("fail to sign transaction: %w", err)
	}
	return signed, nil
}
