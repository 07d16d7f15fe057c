package stellar

import (
	"fmt"
	"testing"

	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

const testPassphrase = network.TestNetworkPassphrase

func buildTestTx(t *testing.T, source string, ops []txnbuild.Operation) *txnbuild.Transaction {
	t.Helper()

	account := txnbuild.NewSimpleAccount(source, 1)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
		Operations:           ops,
	})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	return tx
}

func buildTestXDR(t *testing.T, source string, ops []txnbuild.Operation) string {
	t.Helper()

	xdr, err := buildTestTx(t, source, ops).Base64()
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}
	return xdr
}

func decodeTestEnvelope(t *testing.T, txXDR string) *Envelope {
	t.Helper()

	env, err := NewCodec(testPassphrase, 0).Decode(txXDR, "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func randomKeypair(t *testing.T) *keypair.Full {
	t.Helper()

	kp, err := keypair.Random()
	if err != nil {
		t.Fatalf("random keypair: %v", err)
	}
	return kp
}

func randomStellarAddress(t *testing.T) string {
	t.Helper()
	return randomKeypair(t).Address()
}

// keypairSigner is a Signer backed by plain keypairs.
type keypairSigner struct {
	master   *keypair.Full
	sponsors map[string]*keypair.Full
}

func (s *keypairSigner) Sign(role Role, account string, hash [32]byte) (xdr.DecoratedSignature, error) {
	switch role {
	case RoleMaster:
		return SignHash(s.master, hash)
	case RoleSponsor:
		kp, ok := s.sponsors[account]
		if !ok {
			return xdr.DecoratedSignature{}, fmt.Errorf("no key for %s", account)
		}
		return SignHash(kp, hash)
	}
	return xdr.DecoratedSignature{}, fmt.Errorf("unknown role %s", role)
}
