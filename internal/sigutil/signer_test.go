package sigutil

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestKeySigner(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	keyHex := hex.EncodeToString(crypto.FromECDSA(privKey))
	chainID := big.NewInt(137)

	unsignedTx := types.NewTransaction(
		0,
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(100),
		21000,
		big.NewInt(1e9),
		[]byte{})

	tests := []struct {
		name     string
		key      string
		from     common.Address
		wantErr  bool
		errorMsg string
	}{
		{
			name: "valid signature",
			key:  keyHex,
			from: addr,
		},
		{
			name: "0x prefixed key",
			key:  "0x" + keyHex,
			from: addr,
		},
		{
			name:     "other account",
			key:      keyHex,
			from:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			wantErr:  true,
			errorMsg: "signer does not hold the key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewKeySigner(tt.key)
			require.NoError(t, err)
			require.Equal(t, addr, signer.Address())

			signed, err := signer.SignTx(context.Background(), tt.from, unsignedTx, chainID)
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			sender, err := types.NewEIP155Signer(chainID).Sender(signed)
			require.NoError(t, err)
			require.Equal(t, addr, sender)
		})
	}

	_, err = NewKeySigner("invalid_hex")
	require.Error(t, err)
}
