package chains

// EVM networks the position manager can talk to.
const (
	Ethereum int64 = 1
	Optimism int64 = 10
	BSC      int64 = 56
	Polygon  int64 = 137
	Base     int64 = 8453
	Arbitrum int64 = 42161
)

var names = map[int64]string{
	Ethereum: "ethereum",
	Optimism: "optimism",
	BSC:      "bsc",
	Polygon:  "polygon",
	Base:     "base",
	Arbitrum: "arbitrum",
}

func Name(chainID int64) string {
	if name, ok := names[chainID]; ok {
		return name
	}
	return "unknown"
}

func IsSupported(chainID int64) bool {
	_, ok := names[chainID]
	return ok
}
