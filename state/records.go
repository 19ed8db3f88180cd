package state

import (
	"time"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

// Transfer holds the fields every transfer kind shares.
type Transfer struct {
	Key    string
	Status Status
	// non-empty means paused: excluded from automatic advancement
	Remarks     string
	RemarksKind agreement.RecoverableErrorKind
	RemarksAt   time.Time

	VerifiedCount              uint32
	MintedTxnHashVerifiedCount uint32

	// fixed at creation, never recomputed
	ProtocolFee         int64
	MintingFee          int64
	YieldProviderGasFee int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Transfer) Paused() bool {
	return t.Remarks != ""
}

// Record is implemented by *Deposit, *Redemption and *Bridging.
type Record interface {
	Kind() Kind
	Base() *Transfer
	// pointers to the kind specific columns, in column order
	extra() []interface{}
}

// Deposit is keyed by the BTC txid that paid the atlas address.
type Deposit struct {
	Transfer
	BtcSender            string
	ReceivingChainID     string
	ReceivingAddress     string
	BtcAmount            int64
	FeeAmount            int64
	MintedTxnHash        string
	YieldProviderTxnHash string
	RefundTxnHash        string
}

func (d *Deposit) Kind() Kind      { return KindDeposit }
func (d *Deposit) Base() *Transfer { return &d.Transfer }

func (d *Deposit) extra() []interface{} {
	return []interface{}{
		&d.BtcSender,
		&d.ReceivingChainID,
		&d.ReceivingAddress,
		&d.BtcAmount,
		&d.FeeAmount,
		&d.MintedTxnHash,
		&d.YieldProviderTxnHash,
		&d.RefundTxnHash,
	}
}

// NetAmount is what reaches the yield provider and gets minted.
func (d *Deposit) NetAmount() int64 {
	return d.BtcAmount - d.FeeAmount
}

// Redemption is keyed by <origin_chain_id>,<burn_txn_hash>.
type Redemption struct {
	Transfer
	AbtcRedemptionChainID string
	AbtcRedemptionAddress string
	BtcReceivingAddress   string
	AbtcAmount            int64
	BtcTxnHash            string
	UnstakeRequestID      string
	YieldProviderTxnHash  string
}

func (r *Redemption) Kind() Kind      { return KindRedemption }
func (r *Redemption) Base() *Transfer { return &r.Transfer }

func (r *Redemption) extra() []interface{} {
	return []interface{}{
		&r.AbtcRedemptionChainID,
		&r.AbtcRedemptionAddress,
		&r.BtcReceivingAddress,
		&r.AbtcAmount,
		&r.BtcTxnHash,
		&r.UnstakeRequestID,
		&r.YieldProviderTxnHash,
	}
}

// PayoutAmount is what the user receives on BTC.
func (r *Redemption) PayoutAmount() int64 {
	return r.AbtcAmount - r.ProtocolFee - r.YieldProviderGasFee
}

// Bridging is keyed by <origin_chain_id>,<burn_txn_hash>.
type Bridging struct {
	Transfer
	OriginChainID        string
	OriginChainAddress   string
	DestChainID          string
	DestChainAddress     string
	AbtcAmount           int64
	BridgingFee          int64
	DestTxnHash          string
	UnstakeRequestID     string
	YieldProviderTxnHash string
}

func (b *Bridging) Kind() Kind      { return KindBridging }
func (b *Bridging) Base() *Transfer { return &b.Transfer }

func (b *Bridging) extra() []interface{} {
	return []interface{}{
		&b.OriginChainID,
		&b.OriginChainAddress,
		&b.DestChainID,
		&b.DestChainAddress,
		&b.AbtcAmount,
		&b.BridgingFee,
		&b.DestTxnHash,
		&b.UnstakeRequestID,
		&b.YieldProviderTxnHash,
	}
}

// MintAmount is what the destination chain mints.
func (b *Bridging) MintAmount() int64 {
	return b.AbtcAmount - b.BridgingFee - b.MintingFee
}

// WithdrawableFee is the BTC fee share withdrawn from the yield provider
// to the treasury once the bridge mint is done.
func (b *Bridging) WithdrawableFee() int64 {
	return b.BridgingFee
}

func newRecord(kind Kind) Record {
	switch kind {
	case KindDeposit:
		return &Deposit{}
	case KindRedemption:
		return &Redemption{}
	case KindBridging:
		return &Bridging{}
	}
	return nil
}
