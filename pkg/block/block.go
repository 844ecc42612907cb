// Package block defines block types and validation.
package block

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block represents a block in the chain. Transactions are ordered: index 0
// is the coinbase — its outputs carry the full reward distribution across
// the active masternode set — and index 1+ are user transactions sorted by
// txid ascending.
type Block struct {
	Header            *Header                  `json:"header"`
	Transactions      []*tx.Transaction        `json:"transactions"`
	MasternodeRewards map[types.Address]uint64 `json:"masternode_rewards,omitempty"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}
