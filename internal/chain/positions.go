package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

// GetPosition reads a position from its hub and the permission manager.
func (p *EVMProvider) GetPosition(ctx context.Context, positionID string) (types.Position, error) {
	chainID, hub, tokenID, err := types.ParsePositionID(positionID)
	if err != nil {
		return types.Position{}, err
	}
	if err := p.checkChain(chainID); err != nil {
		return types.Position{}, err
	}

	data, err := p.hub.PackUserPosition(tokenID)
	if err != nil {
		return types.Position{}, err
	}
	output, err := p.call(ctx, hub, data)
	if err != nil {
		return types.Position{}, fmt.Errorf("fail to read position %s: %w", positionID, err)
	}
	hubPos, err := p.hub.UnpackUserPosition(output)
	if err != nil {
		return types.Position{}, err
	}
	if hubPos.From == (common.Address{}) {
		return hubPos.Position(chainID, hub, tokenID, common.Address{}, types.Token{}, types.Token{})
	}

	owner, err := p.ownerOf(ctx, tokenID)
	if err != nil {
		return types.Position{}, err
	}
	from, err := p.tokenInfo(ctx, hubPos.From)
	if err != nil {
		return types.Position{}, err
	}
	to, err := p.tokenInfo(ctx, hubPos.To)
	if err != nil {
		return types.Position{}, err
	}
	return hubPos.Position(chainID, hub, tokenID, owner, from, to)
}

func (p *EVMProvider) ownerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	data, err := p.hub.PackOwnerOf(tokenID)
	if err != nil {
		return common.Address{}, err
	}
	output, err := p.call(ctx, p.cfg.PermissionManager, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("fail to read owner of %s: %w", tokenID, err)
	}
	return p.hub.UnpackOwnerOf(output)
}

func (p *EVMProvider) tokenInfo(ctx context.Context, address common.Address) (types.Token, error) {
	data, err := p.token.PackDecimals()
	if err != nil {
		return types.Token{}, err
	}
	output, err := p.call(ctx, address, data)
	if err != nil {
		return types.Token{}, fmt.Errorf("fail to read decimals of %s: %w", address.Hex(), err)
	}
	decimals, err := p.token.UnpackDecimals(output)
	if err != nil {
		return types.Token{}, err
	}

	data, err = p.token.PackSymbol()
	if err != nil {
		return types.Token{}, err
	}
	token := types.Token{Address: address, Decimals: decimals}
	output, err = p.call(ctx, address, data)
	if err != nil {
		return types.Token{}, fmt.Errorf("fail to read symbol of %s: %w", address.Hex(), err)
	}
	// Some tokens return bytes32 symbols; the symbol is cosmetic.
	if symbol, err := p.token.UnpackSymbol(output); err == nil {
		token.Symbol = symbol
	}
	return token, nil
}

func (p *EVMProvider) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return p.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
