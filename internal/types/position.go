package types

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type SwapInterval string

const (
	SwapIntervalHourly  SwapInterval = "hourly"
	SwapIntervalDaily   SwapInterval = "daily"
	SwapIntervalWeekly  SwapInterval = "weekly"
	SwapIntervalMonthly SwapInterval = "monthly"
)

var swapIntervalSeconds = map[SwapInterval]int64{
	SwapIntervalHourly:  3600,
	SwapIntervalDaily:   86400,
	SwapIntervalWeekly:  604800,
	SwapIntervalMonthly: 2592000,
}

func ParseSwapInterval(s string) (SwapInterval, error) {
	interval := SwapInterval(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := swapIntervalSeconds[interval]; !ok {
		return "", fmt.Errorf("invalid swap interval: %s", s)
	}
	return interval, nil
}

// SwapIntervalFromSeconds maps the on-chain interval value back to the enum.
func SwapIntervalFromSeconds(seconds int64) (SwapInterval, error) {
	for interval, value := range swapIntervalSeconds {
		if value == seconds {
			return interval, nil
		}
	}
	return "", fmt.Errorf("unsupported swap interval: %d seconds", seconds)
}

func (i SwapInterval) Seconds() int64 {
	return swapIntervalSeconds[i]
}

func (i SwapInterval) Duration() time.Duration {
	return time.Duration(i.Seconds()) * time.Second
}

type PositionStatus string

const (
	PositionStatusActive     PositionStatus = "ACTIVE"
	PositionStatusTerminated PositionStatus = "TERMINATED"
)

type Token struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol"`
}

type Position struct {
	ID                 string          `json:"id"`
	ChainID            int64           `json:"chain_id"`
	Hub                common.Address  `json:"hub"`
	TokenID            *big.Int        `json:"token_id"`
	Owner              common.Address  `json:"owner"`
	From               Token           `json:"from"`
	To                 Token           `json:"to"`
	SwapInterval       SwapInterval    `json:"swap_interval"`
	Rate               *big.Int        `json:"rate"`
	RemainingSwaps     int64           `json:"remaining_swaps"`
	RemainingLiquidity *big.Int        `json:"remaining_liquidity"`
	SwappedUnclaimed   *big.Int        `json:"swapped_unclaimed"`
	Permissions        []PermissionSet `json:"permissions"`
	Status             PositionStatus  `json:"status"`
}

// PositionID builds the chain+contract+token-id composite identifier.
func PositionID(chainID int64, hub common.Address, tokenID *big.Int) string {
	return fmt.Sprintf("%d-%s-%s", chainID, strings.ToLower(hub.Hex()), tokenID.String())
}

// ParsePositionID splits an identifier built by PositionID.
func ParsePositionID(id string) (chainID int64, hub common.Address, tokenID *big.Int, err error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		return 0, common.Address{}, nil, fmt.Errorf("invalid position id: %s", id)
	}
	chainID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || chainID <= 0 {
		return 0, common.Address{}, nil, fmt.Errorf("invalid position id chain: %s", id)
	}
	if !common.IsHexAddress(parts[1]) {
		return 0, common.Address{}, nil, fmt.Errorf("invalid position id hub: %s", id)
	}
	tokenID, ok := new(big.Int).SetString(parts[2], 10)
	if !ok || tokenID.Sign() < 0 {
		return 0, common.Address{}, nil, fmt.Errorf("invalid position id token: %s", id)
	}
	return chainID, common.HexToAddress(parts[1]), tokenID, nil
}

func (p Position) Clone() Position {
	c := p
	c.TokenID = cloneInt(p.TokenID)
	c.Rate = cloneInt(p.Rate)
	c.RemainingLiquidity = cloneInt(p.RemainingLiquidity)
	c.SwappedUnclaimed = cloneInt(p.SwappedUnclaimed)
	if p.Permissions != nil {
		c.Permissions = make([]PermissionSet, len(p.Permissions))
		for i, set := range p.Permissions {
			c.Permissions[i] = PermissionSet{
				Operator:    set.Operator,
				Permissions: append([]Permission(nil), set.Permissions...),
			}
		}
	}
	return c
}

func (p Position) IsFinished() bool {
	return p.RemainingSwaps == 0
}

// NextSwapAt returns the start of the next swap window. Windows are aligned
// to multiples of the interval since the unix epoch.
func (p Position) NextSwapAt(now time.Time) time.Time {
	seconds := p.SwapInterval.Seconds()
	if seconds == 0 {
		return time.Time{}
	}
	next := (now.Unix()/seconds + 1) * seconds
	return time.Unix(next, 0).UTC()
}

// EstimatedEndAt is the time the last remaining swap is expected to run.
func (p Position) EstimatedEndAt(now time.Time) time.Time {
	if p.RemainingSwaps == 0 {
		return now.UTC()
	}
	next := p.NextSwapAt(now)
	return next.Add(time.Duration(p.RemainingSwaps-1) * p.SwapInterval.Duration())
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
