package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSequencer hands out strictly increasing nonces for one signer within
// one batch run. It is seeded once from the node's pending transaction count
// and never rewinds: a nonce consumed by a failed submission stays consumed,
// so later submissions in the same run cannot collide with whatever state the
// failed transaction left in the mempool.
type NonceSequencer struct {
	mu   sync.Mutex
	next uint64
}

// NewNonceSequencer seeds a sequencer from the signer's pending nonce.
func NewNonceSequencer(ctx context.Context, client Client, signer common.Address) (*NonceSequencer, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: client required")
	}
	nonce, err := client.PendingNonceAt(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("seed nonce for %s: %w", signer.Hex(), err)
	}
	return &NonceSequencer{next: nonce}, nil
}

// Next returns the next nonce and advances the sequence.
func (s *NonceSequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.next
	s.next++
	return nonce
}

// Peek reports the nonce the next call to Next would return.
func (s *NonceSequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
