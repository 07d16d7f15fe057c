package stellar

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"

	"github.com/stellar-reserve-sponsor/internal/model"
)

// Codes reported by MalformedEnvelopeError.
const (
	CodeInvalidTransaction = "invalid_transaction"
	CodeInvalidNetwork     = "invalid_network"
	CodeEnvelopeTooLarge   = "envelope_too_large"
)

// DefaultMaxEnvelopeBytes bounds the base64 envelope accepted by Decode.
const DefaultMaxEnvelopeBytes = 64 * 1024

// MalformedEnvelopeError is returned when an envelope cannot be accepted at
// the codec level. It is a client error and never retried.
type MalformedEnvelopeError struct {
	Code    string
	Message string
}

func (e *MalformedEnvelopeError) Error() string {
	return e.Code + ": " + e.Message
}

func malformed(code, format string, args ...any) error {
	return &MalformedEnvelopeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Codec decodes transaction envelopes for one network.
type Codec struct {
	networkPassphrase string
	maxBytes          int
}

func NewCodec(networkPassphrase string, maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	return &Codec{networkPassphrase: networkPassphrase, maxBytes: maxBytes}
}

func (c *Codec) NetworkPassphrase() string {
	return c.networkPassphrase
}

// Decode parses a base64 V1 transaction envelope. networkPassphrase is the
// passphrase declared by the caller; empty means the configured network.
func (c *Codec) Decode(txXDR, networkPassphrase string) (*Envelope, error) {
	if len(txXDR) > c.maxBytes {
		return nil, malformed(CodeEnvelopeTooLarge, "envelope is %d bytes, limit is %d", len(txXDR), c.maxBytes)
	}
	if networkPassphrase != "" && networkPassphrase != c.networkPassphrase {
		return nil, malformed(CodeInvalidNetwork, "envelope targets a different network than this service")
	}
	if txXDR == "" {
		return nil, malformed(CodeInvalidTransaction, "transaction_xdr is required")
	}

	genericTx, err := txnbuild.TransactionFromXDR(txXDR)
	if err != nil {
		return nil, malformed(CodeInvalidTransaction, "failed to decode transaction XDR")
	}
	tx, ok := genericTx.Transaction()
	if !ok {
		return nil, malformed(CodeInvalidTransaction, "only V1 transaction envelopes are supported (not fee bump transactions)")
	}

	ops := tx.Operations()
	if len(ops) == 0 {
		return nil, malformed(CodeInvalidTransaction, "transaction must contain at least one operation")
	}

	// A signature on an envelope without an expiry stays usable forever, so
	// its reserve could never be released safely.
	if tx.Timebounds().MaxTime == 0 {
		return nil, malformed(CodeInvalidTransaction, "transaction must set a max time bound")
	}

	kinds := make([]model.OperationKind, len(ops))
	for i, op := range ops {
		xdrOp, err := op.BuildXDR()
		if err != nil {
			return nil, malformed(CodeInvalidTransaction, "failed to build XDR for operation %d", i)
		}
		kinds[i] = OperationKind(xdrOp.Body.Type)
	}

	hash, err := tx.Hash(c.networkPassphrase)
	if err != nil {
		return nil, malformed(CodeInvalidTransaction, "failed to hash transaction")
	}

	return &Envelope{
		tx:                tx,
		networkPassphrase: c.networkPassphrase,
		hash:              hash,
		kinds:             kinds,
	}, nil
}

// Envelope is a decoded V1 transaction. It is immutable; AppendSignature
// returns new bytes and leaves the receiver untouched.
type Envelope struct {
	tx                *txnbuild.Transaction
	networkPassphrase string
	hash              [32]byte
	kinds             []model.OperationKind
}

func (e *Envelope) Transaction() *txnbuild.Transaction { return e.tx }

func (e *Envelope) Operations() []txnbuild.Operation { return e.tx.Operations() }

func (e *Envelope) SourceAccount() string { return e.tx.SourceAccount().AccountID }

func (e *Envelope) Hash() [32]byte { return e.hash }

func (e *Envelope) HashHex() string { return hex.EncodeToString(e.hash[:]) }

// OperationKinds lists one kind per operation, in envelope order.
func (e *Envelope) OperationKinds() []model.OperationKind {
	out := make([]model.OperationKind, len(e.kinds))
	copy(out, e.kinds)
	return out
}

// SourceAccounts returns every account acting as a source: the transaction
// source first, then operation overrides in order of first appearance.
func (e *Envelope) SourceAccounts() []string {
	txSource := e.SourceAccount()
	seen := map[string]bool{txSource: true}
	sources := []string{txSource}
	for _, op := range e.tx.Operations() {
		src := op.GetSourceAccount()
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		sources = append(sources, src)
	}
	return sources
}

// ValidUntil is the max time bound. Decode guarantees one is set.
func (e *Envelope) ValidUntil() *time.Time {
	maxTime := e.tx.Timebounds().MaxTime
	if maxTime == 0 {
		return nil
	}
	t := time.Unix(maxTime, 0).UTC()
	return &t
}

// Signatures returns the decorated signatures already on the envelope.
func (e *Envelope) Signatures() []xdr.DecoratedSignature {
	return e.tx.Signatures()
}

// AppendSignature verifies sig against the envelope hash for signerAddress and
// returns the re-encoded envelope with the signature added.
func (e *Envelope) AppendSignature(sig xdr.DecoratedSignature, signerAddress string) (string, error) {
	kp, err := keypair.ParseAddress(signerAddress)
	if err != nil {
		return "", fmt.Errorf("parse signer address: %w", err)
	}
	hint := kp.Hint()
	if !bytes.Equal(hint[:], sig.Hint[:]) {
		return "", fmt.Errorf("signature hint does not match %s", signerAddress)
	}
	if err := kp.Verify(e.hash[:], sig.Signature); err != nil {
		return "", fmt.Errorf("signature does not verify for %s: %w", signerAddress, err)
	}

	signed, err := e.tx.AddSignatureDecorated(sig)
	if err != nil {
		return "", fmt.Errorf("add signature: %w", err)
	}
	out, err := signed.Base64()
	if err != nil {
		return "", fmt.Errorf("encode signed transaction: %w", err)
	}
	return out, nil
}

// HasSignatureFrom reports whether the envelope carries a valid signature by
// address.
func (e *Envelope) HasSignatureFrom(address string) bool {
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return false
	}
	hint := kp.Hint()
	for _, sig := range e.tx.Signatures() {
		if !bytes.Equal(hint[:], sig.Hint[:]) {
			continue
		}
		if kp.Verify(e.hash[:], sig.Signature) == nil {
			return true
		}
	}
	return false
}

// Base64 re-encodes the envelope as received.
func (e *Envelope) Base64() (string, error) {
	return e.tx.Base64()
}
