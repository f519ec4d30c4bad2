package types

import "math/big"

// Account is the balance-bearing record for any bech32 address known to the
// ledger, funders and recipients alike. The vault account that escrows funded
// refund balances is an ordinary Account held at a well-known address.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	Balance     *big.Int `json:"balance"`
	CodeHash    []byte   `json:"codeHash"`
	StorageRoot []byte   `json:"storageRoot"`
}
