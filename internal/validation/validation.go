// Package validation checks admin-supplied API key settings.
package validation

import (
	"fmt"

	"github.com/stellar/go-stellar-sdk/amount"
	"github.com/stellar/go-stellar-sdk/keypair"

	"github.com/stellar-reserve-sponsor/internal/model"
)

// AllowedOperations parses operation names into kinds. Every name must be a
// sponsorable operation and appear once.
func AllowedOperations(ops []string) ([]model.OperationKind, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("allowed_operations cannot be empty")
	}

	kinds := make([]model.OperationKind, 0, len(ops))
	seen := make(map[model.OperationKind]struct{}, len(ops))
	for _, op := range ops {
		kind, err := model.ParseOperationKind(op)
		if err != nil || !kind.Sponsorable() {
			return nil, fmt.Errorf("operation %q is not supported", op)
		}
		if _, exists := seen[kind]; exists {
			return nil, fmt.Errorf("duplicate operation %q is not allowed", op)
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}

	return kinds, nil
}

// SourceAccounts validates that all source accounts are valid Stellar public keys.
func SourceAccounts(accounts []string) error {
	seen := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		if _, err := keypair.ParseAddress(account); err != nil {
			return fmt.Errorf("invalid source account %q", account)
		}
		if _, exists := seen[account]; exists {
			return fmt.Errorf("duplicate source account %q", account)
		}
		seen[account] = struct{}{}
	}
	return nil
}

// PositiveAmount parses a decimal XLM amount with at most 7 fraction digits
// into stroops.
func PositiveAmount(field, value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	stroops, err := amount.ParseInt64(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", field)
	}
	if stroops <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return stroops, nil
}
