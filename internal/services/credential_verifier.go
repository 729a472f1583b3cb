package services

import (
	"errors"
	"log/slog"

	"github.com/BradenHooton/leasegate/internal/models"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
)

// CredentialVerifier checks a submitted password against the stored hash
type CredentialVerifier struct {
	hasher SecretHasher
	logger *slog.Logger
}

func NewCredentialVerifier(hasher SecretHasher, logger *slog.Logger) *CredentialVerifier {
	return &CredentialVerifier{hasher: hasher, logger: logger}
}

// Verify reports whether credential matches the account's password. An error
// means the stored hash could not be used at all.
func (v *CredentialVerifier) Verify(account *models.Account, credential string) (bool, error) {
	err := v.hasher.Compare(account.PasswordHash, credential)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pkgauth.ErrMismatch) {
		return false, nil
	}
	v.logger.Error("stored password hash is unusable",
		slog.String("account_id", account.ID),
		slog.Any("error", err))
	return false, err
}

// Burn spends the cost of one comparison without an account, so unknown and
// inactive identifiers answer in the same time as real ones
func (v *CredentialVerifier) Burn(credential string) {
	v.hasher.CompareDummy(credential)
}
