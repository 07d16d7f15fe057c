package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	"github.com/stellar/go-stellar-sdk/txnbuild"

	"github.com/stellar-reserve-sponsor/internal/model"
	"github.com/stellar-reserve-sponsor/internal/stellar"
)

type fixture struct {
	sponsor   string
	sponsored string
	key       *model.APIKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{sponsor: randomAddress(t), sponsored: randomAddress(t)}
	f.key = &model.APIKey{
		ID:                uuid.New(),
		SponsorAccount:    f.sponsor,
		AllowedOperations: []model.OperationKind{model.OpChangeTrust},
		RateLimitMax:      3,
		RateLimitWindow:   60,
		Status:            model.StatusActive,
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}
	return f
}

func (f fixture) envelope(t *testing.T, ops ...txnbuild.Operation) *stellar.Envelope {
	t.Helper()

	wrapped := append([]txnbuild.Operation{
		&txnbuild.BeginSponsoringFutureReserves{SourceAccount: f.sponsor, SponsoredID: f.sponsored},
	}, ops...)
	wrapped = append(wrapped, &txnbuild.EndSponsoringFutureReserves{SourceAccount: f.sponsored})

	account := txnbuild.NewSimpleAccount(f.sponsored, 1)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
		Operations:           wrapped,
	})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	txXDR, err := tx.Base64()
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}
	env, err := stellar.NewCodec(network.TestNetworkPassphrase, 0).Decode(txXDR, "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func trustline(t *testing.T) *txnbuild.ChangeTrust {
	t.Helper()
	return &txnbuild.ChangeTrust{
		Line: txnbuild.CreditAsset{Code: "USDC", Issuer: randomAddress(t)}.MustToChangeTrustAsset(),
	}
}

func randomAddress(t *testing.T) string {
	t.Helper()
	kp, err := keypair.Random()
	if err != nil {
		t.Fatalf("random keypair: %v", err)
	}
	return kp.Address()
}

func TestAuthorizeAcceptsAndComputesReserve(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(NewMemoryCounter())

	d, err := e.Authorize(context.Background(), f.key, f.envelope(t, trustline(t)))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !d.Accepted() {
		t.Fatalf("expected acceptance, got %s", d.Reason())
	}
	if d.ReserveStroops != 5_000_000 {
		t.Fatalf("expected 0.5 XLM reserve, got %d stroops", d.ReserveStroops)
	}
	if d.RateLimit == nil || d.RateLimit.Remaining != 2 {
		t.Fatalf("expected rate window with 2 remaining, got %+v", d.RateLimit)
	}
}

func TestAuthorizeRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		ops    func(t *testing.T, f fixture) []txnbuild.Operation
		want   string
	}{
		{
			name:   "revoked key",
			mutate: func(f *fixture) { f.key.Status = model.StatusRevoked },
			want:   CodeKeyInactive,
		},
		{
			name:   "pending key",
			mutate: func(f *fixture) { f.key.Status = model.StatusPendingFunding },
			want:   CodeKeyInactive,
		},
		{
			name:   "expired key",
			mutate: func(f *fixture) { f.key.ExpiresAt = time.Now().Add(-time.Minute) },
			want:   CodeKeyExpired,
		},
		{
			name:   "bad rate configuration",
			mutate: func(f *fixture) { f.key.RateLimitMax = 0 },
			want:   CodeInvalidKeyConfiguration,
		},
		{
			name: "operation not allowed",
			ops: func(t *testing.T, f fixture) []txnbuild.Operation {
				return []txnbuild.Operation{&txnbuild.CreateAccount{Destination: randomAddress(t), Amount: "1"}}
			},
			want: CodeOperationNotAllowed,
		},
		{
			name:   "source not allowed",
			mutate: func(f *fixture) { f.key.AllowedSourceAccounts = []string{"GNOTTHESOURCE"} },
			want:   CodeSourceNotAllowed,
		},
		{
			name: "unwrapped operation",
			ops: func(t *testing.T, f fixture) []txnbuild.Operation {
				// END closes the block early so the trustline is outside it.
				return []txnbuild.Operation{&txnbuild.EndSponsoringFutureReserves{SourceAccount: f.sponsored}, trustline(t), &txnbuild.BeginSponsoringFutureReserves{SourceAccount: f.sponsor, SponsoredID: f.sponsored}}
			},
			want: stellar.CodeInvalidTransaction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.mutate != nil {
				tt.mutate(&f)
			}
			ops := []txnbuild.Operation{trustline(t)}
			if tt.ops != nil {
				ops = tt.ops(t, f)
			}

			d, err := NewEngine(NewMemoryCounter()).Authorize(context.Background(), f.key, f.envelope(t, ops...))
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			if d.Code != tt.want {
				t.Fatalf("expected %q, got %q (%s)", tt.want, d.Code, d.Message)
			}
			if d.ReserveStroops != 0 {
				t.Fatal("rejections must not carry a reserve")
			}
		})
	}
}

func TestAllowedSourceAccountsAcceptListedSources(t *testing.T) {
	f := newFixture(t)
	f.key.AllowedSourceAccounts = []string{f.sponsored}

	d, err := NewEngine(NewMemoryCounter()).Authorize(context.Background(), f.key, f.envelope(t, trustline(t)))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !d.Accepted() {
		t.Fatalf("expected acceptance, got %s", d.Reason())
	}
}

func TestRateLimitConsumption(t *testing.T) {
	ctx := context.Background()

	t.Run("policy rejections after the key check consume quota", func(t *testing.T) {
		f := newFixture(t)
		e := NewEngine(NewMemoryCounter())
		denied := f.envelope(t, &txnbuild.CreateAccount{Destination: randomAddress(t), Amount: "1"})

		for i := 0; i < f.key.RateLimitMax; i++ {
			d, _ := e.Authorize(ctx, f.key, denied)
			if d.Code != CodeOperationNotAllowed {
				t.Fatalf("request %d: expected operation_not_allowed, got %q", i, d.Code)
			}
		}

		d, _ := e.Authorize(ctx, f.key, f.envelope(t, trustline(t)))
		if d.Code != CodeRateLimited {
			t.Fatalf("expected rate_limited once quota is spent, got %q", d.Code)
		}
		if d.RetryAfter <= 0 {
			t.Fatal("expected a retry-after hint")
		}
	})

	t.Run("status rejections do not consume quota", func(t *testing.T) {
		f := newFixture(t)
		e := NewEngine(NewMemoryCounter())

		f.key.Status = model.StatusRevoked
		for i := 0; i < 10; i++ {
			if d, _ := e.CheckKey(ctx, f.key); d.Code != CodeKeyInactive {
				t.Fatalf("expected key_inactive, got %q", d.Code)
			}
		}

		remaining, err := e.Remaining(ctx, f.key)
		if err != nil {
			t.Fatalf("remaining: %v", err)
		}
		if remaining != f.key.RateLimitMax {
			t.Fatalf("expected untouched quota %d, got %d", f.key.RateLimitMax, remaining)
		}
	})
}
