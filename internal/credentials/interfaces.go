package credentials

//go:generate mockgen -destination=mock_credentials.go -package=credentials github.com/user/fleetscan/internal/credentials DomainStore,Decrypter

import (
	"context"

	"github.com/user/fleetscan/internal/model"
)

// DomainStore reads encrypted domain credentials. LookupDomain returns nil
// with no error when the domain has no entry.
type DomainStore interface {
	LookupDomain(ctx context.Context, domain string) (*model.DomainCredential, error)
}

// Decrypter turns a stored ciphertext into the plaintext secret.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}
