// Package host defines the contract between the execution client and the
// notification processor: the three chain notification variants and the
// acknowledgment channel back to the host.
package host

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Receipt is one transaction's ordered log list.
type Receipt struct {
	Logs []types.Log
}

// Block is one block as delivered by the host: header fields the core
// needs plus the ordered receipt list.
type Block struct {
	Number    uint64
	Timestamp uint64
	Receipts  []Receipt
}

// Notification is one item of the host stream: exactly one of the three
// chain variants.
type Notification interface {
	isNotification()
}

// ChainCommitted is a canonical extension by one or more blocks, ascending.
type ChainCommitted struct {
	New []Block
}

// ChainReverted removes one or more blocks without replacement. Blocks are
// listed ascending; the processor unwinds them tip-down.
type ChainReverted struct {
	Old []Block
}

// ChainReorged removes Old and installs New. The shared ancestor is in
// neither list.
type ChainReorged struct {
	Old []Block
	New []Block
}

func (ChainCommitted) isNotification() {}
func (ChainReverted) isNotification()  {}
func (ChainReorged) isNotification()   {}

// Stream is the host's notification source. Next blocks until the next
// notification; Ack reports the highest block number processed for the
// previous one. The host re-delivers unacknowledged notifications after a
// restart.
type Stream interface {
	Next(ctx context.Context) (Notification, error)
	Ack(highestBlock uint64) error
}
