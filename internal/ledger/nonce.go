package ledger

import (
	"context"
	"fmt"
	"sync"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NonceManager serializes nonce reads for the operator account so two
// concurrent partition submissions never reuse a nonce.
type NonceManager struct {
	mu sync.Mutex
}

func NewNonceManager() *NonceManager {
	return &NonceManager{}
}

func (n *NonceManager) NextNonce(ctx context.Context, client *ethclient.Client, address gcommon.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce from network: %w", err)
	}
	return nonce, nil
}
