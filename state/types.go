package state

import (
	"fmt"
)

// Kind is one of the three transfer state machines.
type Kind int

const (
	KindDeposit Kind = iota
	KindRedemption
	KindBridging
)

// Kinds lists every transfer kind in reconciliation order.
var Kinds = []Kind{KindDeposit, KindRedemption, KindBridging}

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindRedemption:
		return "redemption"
	case KindBridging:
		return "bridging"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) table() string {
	switch k {
	case KindDeposit:
		return "deposits"
	case KindRedemption:
		return "redemptions"
	case KindBridging:
		return "bridgings"
	}
	panic(fmt.Sprintf("unknown transfer kind %d", int(k)))
}

// Status is the position of a record in its kind's lifecycle. The numeric
// order is the lifecycle order, so "forward" means "greater".
type Status int

// Deposit statuses.
const (
	DepositPendingMempool Status = iota
	DepositDepositedIntoAtlas
	DepositPendingYieldProviderDeposit
	DepositYieldProviderDeposited
	DepositPendingMintedIntoAbtc
	DepositMintedIntoAbtc
	DepositRefunding
	DepositRefunded
)

// Redemption statuses.
const (
	RedemptionAbtcBurnt Status = iota
	RedemptionPendingYieldProviderUnstake
	RedemptionYieldProviderUnstakeProcessing
	RedemptionYieldProviderUnstaked
	RedemptionPendingYieldProviderWithdraw
	RedemptionYieldProviderWithdrawing
	RedemptionYieldProviderWithdrawn
	RedemptionPendingRedemptionFromAtlasToUser
	RedemptionPendingMempoolConfirmation
	RedemptionRedeemedBackToUser
)

// Bridging statuses.
const (
	BridgingAbtcPendingBurnt Status = iota
	BridgingAbtcBurnt
	BridgingPendingBridgeFromOriginToDest
	BridgingAbtcMintedToDest
	BridgingPendingYieldProviderUnstake
	BridgingYieldProviderUnstakeProcessing
	BridgingYieldProviderUnstaked
	BridgingPendingYieldProviderWithdraw
	BridgingYieldProviderWithdrawing
	BridgingYieldProviderWithdrawn
)

var statusNames = map[Kind][]string{
	KindDeposit: {
		"BTC_PENDING_MEMPOOL_CONFIRMATION",
		"BTC_DEPOSITED_INTO_ATLAS",
		"BTC_PENDING_YIELD_PROVIDER_DEPOSIT",
		"BTC_YIELD_PROVIDER_DEPOSITED",
		"BTC_PENDING_MINTED_INTO_ABTC",
		"BTC_MINTED_INTO_ABTC",
		"BTC_REFUNDING",
		"BTC_REFUNDED",
	},
	KindRedemption: {
		"ABTC_BURNT",
		"BTC_PENDING_YIELD_PROVIDER_UNSTAKE",
		"BTC_YIELD_PROVIDER_UNSTAKE_PROCESSING",
		"BTC_YIELD_PROVIDER_UNSTAKED",
		"BTC_PENDING_YIELD_PROVIDER_WITHDRAW",
		"BTC_YIELD_PROVIDER_WITHDRAWING",
		"BTC_YIELD_PROVIDER_WITHDRAWN",
		"BTC_PENDING_REDEMPTION_FROM_ATLAS_TO_USER",
		"BTC_PENDING_MEMPOOL_CONFIRMATION",
		"BTC_REDEEMED_BACK_TO_USER",
	},
	KindBridging: {
		"ABTC_PENDING_BURNT",
		"ABTC_BURNT",
		"ABTC_PENDING_BRIDGE_FROM_ORIGIN_TO_DEST",
		"ABTC_MINTED_TO_DEST",
		"ABTC_PENDING_YIELD_PROVIDER_UNSTAKE",
		"ABTC_YIELD_PROVIDER_UNSTAKE_PROCESSING",
		"ABTC_YIELD_PROVIDER_UNSTAKED",
		"ABTC_PENDING_YIELD_PROVIDER_WITHDRAW",
		"ABTC_YIELD_PROVIDER_WITHDRAWING",
		"ABTC_YIELD_PROVIDER_WITHDRAWN",
	},
}

var terminalStatuses = map[Kind]map[Status]bool{
	KindDeposit:    {DepositMintedIntoAbtc: true, DepositRefunded: true},
	KindRedemption: {RedemptionRedeemedBackToUser: true},
	KindBridging:   {BridgingYieldProviderWithdrawn: true},
}

// StatusName renders a status the way the governing contract names it.
func StatusName(kind Kind, s Status) string {
	names := statusNames[kind]
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("%s(%d)", kind, int(s))
	}
	return names[s]
}

// ParseStatus is the inverse of StatusName.
func ParseStatus(kind Kind, name string) (Status, bool) {
	for i, n := range statusNames[kind] {
		if n == name {
			return Status(i), true
		}
	}
	return 0, false
}

// Statuses lists every status of kind in lifecycle order.
func Statuses(kind Kind) []Status {
	out := make([]Status, len(statusNames[kind]))
	for i := range out {
		out[i] = Status(i)
	}
	return out
}

func IsTerminal(kind Kind, s Status) bool {
	return terminalStatuses[kind][s]
}

func validStatus(kind Kind, s Status) bool {
	return s >= 0 && int(s) < len(statusNames[kind])
}

// Fields carries the columns written together with a status change.
type Fields map[string]interface{}
