package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key namespaces. Every record key is the keccak of its namespace plus the
// record's own components, so keys are fixed-width and collision-free
// regardless of market identifier content.
const (
	nsSchema        = "cluster/schema"
	nsLedgerState   = "cluster/market/state"
	nsPosition      = "cluster/market/position"
	nsAllowance     = "cluster/market/allowance"
	nsMarketConfig  = "cluster/risk/config"
	nsMembership    = "cluster/risk/membership"
	nsRewardMarket  = "cluster/reward/market"
	nsRewardAccount = "cluster/reward/account"
	nsRewardAccrued = "cluster/reward/accrued"
	nsRewardPending = "cluster/reward/receivable"
)

func recordKey(namespace string, parts ...[]byte) []byte {
	data := [][]byte{[]byte(namespace)}
	data = append(data, parts...)
	return crypto.Keccak256(data...)
}

func schemaKey() []byte {
	return recordKey(nsSchema)
}

func ledgerStateKey(marketID string) []byte {
	return recordKey(nsLedgerState, []byte(marketID))
}

func positionKey(marketID string, addr common.Address) []byte {
	return recordKey(nsPosition, []byte(marketID), addr.Bytes())
}

func allowanceKey(marketID string, owner, spender common.Address) []byte {
	return recordKey(nsAllowance, []byte(marketID), owner.Bytes(), spender.Bytes())
}

func marketConfigKey(marketID string) []byte {
	return recordKey(nsMarketConfig, []byte(marketID))
}

func membershipKey(addr common.Address) []byte {
	return recordKey(nsMembership, addr.Bytes())
}

func rewardMarketKey(marketID, side string) []byte {
	return recordKey(nsRewardMarket, []byte(marketID), []byte(side))
}

func rewardAccountKey(marketID, side string, addr common.Address) []byte {
	return recordKey(nsRewardAccount, []byte(marketID), []byte(side), addr.Bytes())
}

func rewardAccruedKey(addr common.Address) []byte {
	return recordKey(nsRewardAccrued, addr.Bytes())
}

func rewardReceivableKey(addr common.Address) []byte {
	return recordKey(nsRewardPending, addr.Bytes())
}
