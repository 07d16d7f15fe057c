package stellar

import (
	"errors"
	"strings"
	"testing"

	"github.com/stellar/go-stellar-sdk/network"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"

	"github.com/stellar-reserve-sponsor/internal/model"
)

func TestCodecDecode(t *testing.T) {
	sponsor := randomStellarAddress(t)
	sponsored := randomStellarAddress(t)
	asset := txnbuild.CreditAsset{Code: "USDC", Issuer: randomStellarAddress(t)}.MustToChangeTrustAsset()

	tx := buildTestTx(t, sponsored, []txnbuild.Operation{
		&txnbuild.BeginSponsoringFutureReserves{SourceAccount: sponsor, SponsoredID: sponsored},
		&txnbuild.ChangeTrust{Line: asset},
		&txnbuild.ManageData{SourceAccount: sponsored, Name: "k", Value: []byte("v")},
		&txnbuild.EndSponsoringFutureReserves{SourceAccount: sponsored},
	})
	txXDR, err := tx.Base64()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := NewCodec(testPassphrase, 0).Decode(txXDR, testPassphrase)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantKinds := []model.OperationKind{model.OpBeginSponsoring, model.OpChangeTrust, model.OpManageData, model.OpEndSponsoring}
	kinds := env.OperationKinds()
	if len(kinds) != len(wantKinds) {
		t.Fatalf("expected %d kinds, got %v", len(wantKinds), kinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Fatalf("kind %d: expected %s, got %s", i, wantKinds[i], kinds[i])
		}
	}

	sources := env.SourceAccounts()
	if len(sources) != 2 || sources[0] != sponsored || sources[1] != sponsor {
		t.Fatalf("unexpected sources: %v", sources)
	}

	wantHash, err := tx.HashHex(testPassphrase)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if env.HashHex() != wantHash {
		t.Fatalf("hash mismatch: %s != %s", env.HashHex(), wantHash)
	}
	if env.ValidUntil() == nil {
		t.Fatal("expected a max time bound")
	}
}

func TestCodecDecodeRejections(t *testing.T) {
	source := randomStellarAddress(t)
	valid := buildTestXDR(t, source, []txnbuild.Operation{&txnbuild.BumpSequence{BumpTo: 5}})

	inner := buildTestTx(t, source, []txnbuild.Operation{&txnbuild.BumpSequence{BumpTo: 5}})
	feeBump, err := txnbuild.NewFeeBumpTransaction(txnbuild.FeeBumpTransactionParams{
		Inner:      inner,
		FeeAccount: randomStellarAddress(t),
		BaseFee:    txnbuild.MinBaseFee * 2,
	})
	if err != nil {
		t.Fatalf("build fee bump: %v", err)
	}
	feeBumpXDR, err := feeBump.Base64()
	if err != nil {
		t.Fatalf("encode fee bump: %v", err)
	}

	noOps, err := xdr.MarshalBase64(xdr.TransactionEnvelope{
		Type: xdr.EnvelopeTypeEnvelopeTypeTx,
		V1: &xdr.TransactionV1Envelope{
			Tx: xdr.Transaction{
				SourceAccount: xdr.MustMuxedAddress(source),
				Fee:           100,
				SeqNum:        1,
			},
		},
	})
	if err != nil {
		t.Fatalf("encode empty envelope: %v", err)
	}

	account := txnbuild.NewSimpleAccount(source, 1)
	forever, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
		Operations:           []txnbuild.Operation{&txnbuild.BumpSequence{BumpTo: 5}},
	})
	if err != nil {
		t.Fatalf("build unbounded tx: %v", err)
	}
	foreverXDR, err := forever.Base64()
	if err != nil {
		t.Fatalf("encode unbounded tx: %v", err)
	}

	tests := []struct {
		name       string
		xdr        string
		passphrase string
		maxBytes   int
		wantCode   string
	}{
		{"garbage", "not-base64-xdr", "", 0, CodeInvalidTransaction},
		{"empty", "", "", 0, CodeInvalidTransaction},
		{"fee bump", feeBumpXDR, "", 0, CodeInvalidTransaction},
		{"zero operations", noOps, "", 0, CodeInvalidTransaction},
		{"no max time", foreverXDR, "", 0, CodeInvalidTransaction},
		{"wrong network", valid, network.PublicNetworkPassphrase, 0, CodeInvalidNetwork},
		{"too large", valid, "", 16, CodeEnvelopeTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewCodec(testPassphrase, tt.maxBytes).Decode(tt.xdr, tt.passphrase)
			if env != nil {
				t.Fatal("expected no envelope on failure")
			}
			var malformedErr *MalformedEnvelopeError
			if !errors.As(err, &malformedErr) {
				t.Fatalf("expected MalformedEnvelopeError, got %v", err)
			}
			if malformedErr.Code != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, malformedErr.Code)
			}
		})
	}
}

func TestEnvelopeAppendSignature(t *testing.T) {
	signer := randomKeypair(t)
	source := randomStellarAddress(t)
	env := decodeTestEnvelope(t, buildTestXDR(t, source, []txnbuild.Operation{&txnbuild.BumpSequence{BumpTo: 5}}))

	t.Run("valid signature is appended", func(t *testing.T) {
		sig, err := SignHash(signer, env.Hash())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		signedXDR, err := env.AppendSignature(sig, signer.Address())
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(env.Signatures()) != 0 {
			t.Fatal("receiver must not be modified")
		}

		signed := decodeTestEnvelope(t, signedXDR)
		if len(signed.Signatures()) != 1 {
			t.Fatalf("expected 1 signature, got %d", len(signed.Signatures()))
		}
		if !signed.HasSignatureFrom(signer.Address()) {
			t.Fatal("expected signature from signer")
		}
		if signed.HashHex() != env.HashHex() {
			t.Fatal("signing must not change the hash")
		}
	})

	t.Run("signature from another key is refused", func(t *testing.T) {
		other := randomKeypair(t)
		sig, err := SignHash(other, env.Hash())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		_, err = env.AppendSignature(sig, signer.Address())
		if err == nil || !strings.Contains(err.Error(), "hint") {
			t.Fatalf("expected hint mismatch, got %v", err)
		}
	})

	t.Run("signature for another network is refused", func(t *testing.T) {
		tx := env.Transaction()
		hash, err := tx.Hash(network.PublicNetworkPassphrase)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		sig, err := SignHash(signer, hash)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		if _, err := env.AppendSignature(sig, signer.Address()); err == nil {
			t.Fatal("expected verification failure")
		}
	})
}
