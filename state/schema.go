package state

const (
	commonColumnDefs = `
		key TEXT PRIMARY KEY NOT NULL,
		status INTEGER NOT NULL,
		remarks TEXT NOT NULL DEFAULT '',
		remarks_kind INTEGER NOT NULL DEFAULT 0,
		remarks_at INTEGER NOT NULL DEFAULT 0,
		verified_count INTEGER NOT NULL DEFAULT 0,
		minted_txn_hash_verified_count INTEGER NOT NULL DEFAULT 0,
		protocol_fee BIGINT NOT NULL DEFAULT 0,
		minting_fee BIGINT NOT NULL DEFAULT 0,
		yield_provider_gas_fee BIGINT NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,`

	// table constraints follow every column definition
	commonConstraints = `
		CONSTRAINT chk_key CHECK (key != ''),
		CONSTRAINT chk_status CHECK (status >= 0),
		CONSTRAINT chk_fees CHECK (protocol_fee >= 0 AND minting_fee >= 0 AND yield_provider_gas_fee >= 0),`

	// one row per BTC deposit, keyed by btc txid
	depositTable = `CREATE TABLE IF NOT EXISTS deposits (` + commonColumnDefs + `
		btc_sender TEXT NOT NULL DEFAULT '',
		receiving_chain_id TEXT NOT NULL DEFAULT '',
		receiving_address TEXT NOT NULL DEFAULT '',
		btc_amount BIGINT NOT NULL,
		fee_amount BIGINT NOT NULL DEFAULT 0,
		minted_txn_hash TEXT NOT NULL DEFAULT '',
		yield_provider_txn_hash TEXT NOT NULL DEFAULT '',
		refund_txn_hash TEXT NOT NULL DEFAULT '',` + commonConstraints + `
		CONSTRAINT chk_btc_amount CHECK (btc_amount > 0)
	);`

	redemptionTable = `CREATE TABLE IF NOT EXISTS redemptions (` + commonColumnDefs + `
		abtc_redemption_chain_id TEXT NOT NULL,
		abtc_redemption_address TEXT NOT NULL DEFAULT '',
		btc_receiving_address TEXT NOT NULL,
		abtc_amount BIGINT NOT NULL,
		btc_txn_hash TEXT NOT NULL DEFAULT '',
		unstake_request_id TEXT NOT NULL DEFAULT '',
		yield_provider_txn_hash TEXT NOT NULL DEFAULT '',` + commonConstraints + `
		CONSTRAINT chk_abtc_amount CHECK (abtc_amount > 0)
	);`

	bridgingTable = `CREATE TABLE IF NOT EXISTS bridgings (` + commonColumnDefs + `
		origin_chain_id TEXT NOT NULL,
		origin_chain_address TEXT NOT NULL DEFAULT '',
		dest_chain_id TEXT NOT NULL,
		dest_chain_address TEXT NOT NULL,
		abtc_amount BIGINT NOT NULL,
		bridging_fee BIGINT NOT NULL DEFAULT 0,
		dest_txn_hash TEXT NOT NULL DEFAULT '',
		unstake_request_id TEXT NOT NULL DEFAULT '',
		yield_provider_txn_hash TEXT NOT NULL DEFAULT '',` + commonConstraints + `
		CONSTRAINT chk_abtc_amount CHECK (abtc_amount > 0)
	);`

	// idempotency store for ingested chain events
	processedTable = `CREATE TABLE IF NOT EXISTS processed_events (
		chain_id TEXT NOT NULL,
		txn_hash TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (chain_id, txn_hash)
	);`

	// sync cursors and other small values
	kvTable = `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY NOT NULL,
		value TEXT NOT NULL
	);`

	commonColumns = "key, status, remarks, remarks_kind, remarks_at, verified_count, minted_txn_hash_verified_count, " +
		"protocol_fee, minting_fee, yield_provider_gas_fee, created_at, updated_at"
)

var kindColumns = map[Kind][]string{
	KindDeposit: {
		"btc_sender", "receiving_chain_id", "receiving_address", "btc_amount", "fee_amount",
		"minted_txn_hash", "yield_provider_txn_hash", "refund_txn_hash",
	},
	KindRedemption: {
		"abtc_redemption_chain_id", "abtc_redemption_address", "btc_receiving_address", "abtc_amount",
		"btc_txn_hash", "unstake_request_id", "yield_provider_txn_hash",
	},
	KindBridging: {
		"origin_chain_id", "origin_chain_address", "dest_chain_id", "dest_chain_address", "abtc_amount",
		"bridging_fee", "dest_txn_hash", "unstake_request_id", "yield_provider_txn_hash",
	},
}

// columns an Advance or Rollback may write; fees and amounts are excluded
var mutableColumns = map[Kind]map[string]bool{
	KindDeposit: {
		"minted_txn_hash": true, "yield_provider_txn_hash": true, "refund_txn_hash": true,
	},
	KindRedemption: {
		"abtc_redemption_address": true, "btc_receiving_address": true,
		"btc_txn_hash": true, "unstake_request_id": true, "yield_provider_txn_hash": true,
	},
	KindBridging: {
		"origin_chain_address": true, "dest_chain_address": true,
		"dest_txn_hash": true, "unstake_request_id": true, "yield_provider_txn_hash": true,
	},
}

func selectColumns(kind Kind) string {
	cols := commonColumns
	for _, c := range kindColumns[kind] {
		cols += ", " + c
	}
	return cols
}
