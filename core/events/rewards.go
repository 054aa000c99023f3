package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeRewardAccrued is emitted when an account's pending reward balance
	// grows during an index sync.
	TypeRewardAccrued = "rewards.accrued"
	// TypeRewardClaimed is emitted when pending rewards are settled from the
	// treasury.
	TypeRewardClaimed = "rewards.claimed"
	// TypeRewardSpeedUpdated audits per-market emission changes.
	TypeRewardSpeedUpdated = "rewards.speed.updated"
	// TypeRewardGranted audits direct admin grants from the treasury.
	TypeRewardGranted = "rewards.granted"
)

// RewardAccrued reports newly accrued incentive units for one account on one
// market side.
type RewardAccrued struct {
	Market  string
	Side    string
	Account common.Address
	Delta   *big.Int
	Total   *big.Int
}

func (RewardAccrued) EventType() string { return TypeRewardAccrued }

// RewardClaimed reports a treasury payout. Remaining is non-zero when the
// treasury could not cover the full pending balance.
type RewardClaimed struct {
	Account   common.Address
	Paid      *big.Int
	Remaining *big.Int
}

func (RewardClaimed) EventType() string { return TypeRewardClaimed }

// RewardSpeedUpdated audits an emission-speed change as a before/after pair.
type RewardSpeedUpdated struct {
	Market string
	Side   string
	Old    *big.Int
	New    *big.Int
}

func (RewardSpeedUpdated) EventType() string { return TypeRewardSpeedUpdated }

// RewardGranted audits a direct grant.
type RewardGranted struct {
	Recipient common.Address
	Amount    *big.Int
}

func (RewardGranted) EventType() string { return TypeRewardGranted }
