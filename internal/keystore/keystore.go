// Package keystore custodies the service's signing keys. It is the only
// package that holds secret key material; everything else asks it for
// signatures.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
	"github.com/stellar-reserve-sponsor/internal/store"
)

// ErrUnknownAccount is returned when no custodial key exists for an account.
var ErrUnknownAccount = errors.New("keystore: no key for account")

// Keystore holds the master key and one key per sponsor account. It is
// built once at startup, loaded, and then only grows through GenerateSponsor.
type Keystore struct {
	// mu guards sponsors only. genMu orders inserts against Load so a
	// reload never drops a key generated while it ran.
	mu                sync.RWMutex
	genMu             sync.Mutex
	master            *keypair.Full
	sponsors          map[string]*keypair.Full
	cipher            *Cipher
	accounts          store.SponsorAccountStore
	networkPassphrase string
}

var _ stellar.Signer = (*Keystore)(nil)

// New creates a keystore. masterSecret must be a valid Stellar secret seed.
func New(masterSecret string, c *Cipher, accounts store.SponsorAccountStore, networkPassphrase string) (*Keystore, error) {
	master, err := keypair.ParseFull(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &Keystore{
		master:            master,
		sponsors:          make(map[string]*keypair.Full),
		cipher:            c,
		accounts:          accounts,
		networkPassphrase: networkPassphrase,
	}, nil
}

// Load decrypts every persisted sponsor secret into memory.
func (k *Keystore) Load(ctx context.Context) error {
	k.genMu.Lock()
	defer k.genMu.Unlock()

	accounts, err := k.accounts.ListSponsorAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list sponsor accounts: %w", err)
	}

	loaded := make(map[string]*keypair.Full, len(accounts))
	for _, a := range accounts {
		seed, err := k.cipher.Open(a.Address, a.SealedSecret)
		if err != nil {
			return fmt.Errorf("open sponsor key %s: %w", a.Address, err)
		}
		kp, err := keypair.ParseFull(seed)
		if err != nil {
			return fmt.Errorf("parse sponsor key %s: %w", a.Address, err)
		}
		if kp.Address() != a.Address {
			return fmt.Errorf("sponsor key for %s derives %s", a.Address, kp.Address())
		}
		loaded[a.Address] = kp
	}

	k.mu.Lock()
	k.sponsors = loaded
	k.mu.Unlock()

	log.Info().Int("sponsor_keys", len(loaded)).Msg("keystore loaded")
	return nil
}

// GenerateSponsor creates a new sponsor keypair, persists it sealed with a
// zero-balance sponsor account row and returns its address. Signing with
// existing keys is not blocked while the row is written.
func (k *Keystore) GenerateSponsor(ctx context.Context) (string, error) {
	kp, err := keypair.Random()
	if err != nil {
		return "", fmt.Errorf("generate sponsor key: %w", err)
	}
	sealed, err := k.cipher.Seal(kp.Address(), kp.Seed())
	if err != nil {
		return "", fmt.Errorf("seal sponsor key: %w", err)
	}

	k.genMu.Lock()
	defer k.genMu.Unlock()

	if err := k.accounts.CreateSponsorAccount(ctx, &model.SponsorAccount{
		Address:      kp.Address(),
		SealedSecret: sealed,
	}); err != nil {
		return "", fmt.Errorf("persist sponsor account: %w", err)
	}

	k.mu.Lock()
	k.sponsors[kp.Address()] = kp
	k.mu.Unlock()
	return kp.Address(), nil
}

// Sign signs hash with the key for role. account selects the sponsor key and
// is ignored for RoleMaster.
func (k *Keystore) Sign(role stellar.Role, account string, hash [32]byte) (xdr.DecoratedSignature, error) {
	kp, err := k.key(role, account)
	if err != nil {
		return xdr.DecoratedSignature{}, err
	}
	return stellar.SignHash(kp, hash)
}

// SignTransaction returns tx with an added signature for role.
func (k *Keystore) SignTransaction(role stellar.Role, account string, tx *txnbuild.Transaction) (*txnbuild.Transaction, error) {
	return stellar.SignTransaction(k, role, account, tx, k.networkPassphrase)
}

// Address returns the public key for role.
func (k *Keystore) Address(role stellar.Role, account string) (string, error) {
	kp, err := k.key(role, account)
	if err != nil {
		return "", err
	}
	return kp.Address(), nil
}

func (k *Keystore) MasterAddress() string {
	return k.master.Address()
}

func (k *Keystore) SponsorCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.sponsors)
}

func (k *Keystore) key(role stellar.Role, account string) (*keypair.Full, error) {
	switch role {
	case stellar.RoleMaster:
		return k.master, nil
	case stellar.RoleSponsor:
		k.mu.RLock()
		kp, ok := k.sponsors[account]
		k.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("keystore: unknown role %s", role)
	}
}
