package stellar

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

// Role selects which custodial key signs.
type Role uint8

const (
	// RoleMaster is the service's own key. It co-signs activation and
	// funding envelopes when it is a signer on the master funding account.
	RoleMaster Role = iota + 1
	// RoleSponsor is the per-sponsor-account key used on sign requests.
	RoleSponsor
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSponsor:
		return "sponsor"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Signer produces signatures over transaction hashes. For RoleMaster the
// account argument is ignored.
type Signer interface {
	Sign(role Role, account string, hash [32]byte) (xdr.DecoratedSignature, error)
}

// SignHash signs hash with kp. The hash already binds the network
// passphrase, so the signature cannot be replayed on another network.
func SignHash(kp *keypair.Full, hash [32]byte) (xdr.DecoratedSignature, error) {
	sig, err := kp.SignDecorated(hash[:])
	if err != nil {
		return xdr.DecoratedSignature{}, fmt.Errorf("sign hash: %w", err)
	}
	return sig, nil
}

// SignTransaction hashes tx for networkPassphrase, asks signer for a
// signature and returns a new transaction carrying it.
func SignTransaction(signer Signer, role Role, account string, tx *txnbuild.Transaction, networkPassphrase string) (*txnbuild.Transaction, error) {
	hash, err := tx.Hash(networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("compute transaction hash: %w", err)
	}
	sig, err := signer.Sign(role, account, hash)
	if err != nil {
		return nil, err
	}
	// AddSignatureDecorated returns a new *Transaction; the input is unchanged
	signed, err := tx.AddSignatureDecorated(sig)
	if err != nil {
		return nil, fmt.Errorf("add %s signature: %w", role, err)
	}
	return signed, nil
}
