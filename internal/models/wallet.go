package models

type (
	WalletID  string
	AccountID string
)

// WalletDescriptor identifies a ledger sub-account. Wallet records themselves
// are owned by the accounts store; the ledger only references them by value.
type WalletDescriptor struct {
	ID        WalletID  `json:"id"`
	AccountID AccountID `json:"accountId"`
	Currency  string    `json:"currency"` // BTC or USD
}

type SettlementMethod string

const (
	SettlementIntraLedger SettlementMethod = "intraledger"
	SettlementLightning   SettlementMethod = "lightning"
	SettlementOnChain     SettlementMethod = "onchain"
)
