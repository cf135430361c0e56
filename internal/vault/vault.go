package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Vault abstracts the token transfer layer behind the ledger. Amounts at
// this interface are WAD-scaled; conversion to an asset's native decimals
// happens inside the implementation, never inside the ledger.
type Vault interface {
	// TransferIn pulls assets from an account into the vault.
	TransferIn(account string, assets *uint256.Int) error
	// TransferOut pushes assets from the vault to an account.
	TransferOut(account string, assets *uint256.Int) error
	// Holdings reports the vault's current balance.
	Holdings() *uint256.Int
}

var ErrTransferFailed = errors.New("transfer failed")

// MemoryVault is an in-memory Vault with per-account balances, used by the
// default deployment and tests. External accounts are credited on demand via
// Fund, standing in for the token layer's mint/transfer surface.
type MemoryVault struct {
	mu       sync.Mutex
	asset    string
	balances map[string]*uint256.Int
	held     *uint256.Int
}

func NewMemoryVault(asset string) *MemoryVault {
	return &MemoryVault{
		asset:    asset,
		balances: make(map[string]*uint256.Int),
		held:     new(uint256.Int),
	}
}

// Fund credits an external account, standing in for inbound token supply.
func (v *MemoryVault) Fund(account string, assets *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[account]
	if !ok {
		bal = new(uint256.Int)
		v.balances[account] = bal
	}
	bal.Add(bal, assets)
}

// BalanceOf reports an external account's balance outside the vault.
func (v *MemoryVault) BalanceOf(account string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[account]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (v *MemoryVault) TransferIn(account string, assets *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[account]
	if !ok || bal.Cmp(assets) < 0 {
		return fmt.Errorf("%w: %s has insufficient %s", ErrTransferFailed, account, v.asset)
	}
	bal.Sub(bal, assets)
	v.held.Add(v.held, assets)
	return nil
}

func (v *MemoryVault) TransferOut(account string, assets *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.held.Cmp(assets) < 0 {
		return fmt.Errorf("%w: vault holds less %s than requested", ErrTransferFailed, v.asset)
	}
	bal, ok := v.balances[account]
	if !ok {
		bal = new(uint256.Int)
		v.balances[account] = bal
	}
	v.held.Sub(v.held, assets)
	bal.Add(bal, assets)
	return nil
}

func (v *MemoryVault) Holdings() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held.Clone()
}
