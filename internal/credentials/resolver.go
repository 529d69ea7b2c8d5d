// Package credentials maps hosts to administrative identities through a
// per-domain cache of decrypted secrets.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/user/fleetscan/internal/model"
)

// CredentialError reports that no usable identity exists for a host.
type CredentialError struct {
	Host   string
	Domain string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("no credential for host %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("no credential for host %s (domain %s): %v", e.Host, e.Domain, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

var errNoFallback = fmt.Errorf("no domain credential and no default identity configured")

// lookupTimeout bounds a shared domain load. The load is detached from any
// one caller so a cancelled host does not fail its siblings.
const lookupTimeout = 30 * time.Second

// Resolver resolves hosts to credentials. The cache is shared by all scan
// workers and is populated lazily; concurrent misses on the same domain share
// one store lookup and one decrypt.
type Resolver struct {
	store     DomainStore
	decrypter Decrypter
	fallback  *model.Credential
	logger    zerolog.Logger

	mu    sync.RWMutex
	cache map[string]model.Credential
	group singleflight.Group
}

// NewResolver creates a resolver. fallback may be nil.
func NewResolver(store DomainStore, decrypter Decrypter, fallback *model.Credential, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		decrypter: decrypter,
		fallback:  fallback,
		logger:    logger,
		cache:     make(map[string]model.Credential),
	}
}

// DomainOf returns everything after the first label of hostname, lowercased.
// A single-label hostname has no domain.
func DomainOf(hostname string) string {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	i := strings.IndexByte(h, '.')
	if i < 0 || i == len(h)-1 {
		return ""
	}
	return h[i+1:]
}

// Resolve returns the credential for hostname.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (model.Credential, error) {
	domain := DomainOf(hostname)
	if domain == "" {
		return r.useFallback(hostname, domain)
	}

	r.mu.RLock()
	cred, ok := r.cache[domain]
	r.mu.RUnlock()
	if ok {
		return cred, nil
	}

	ch := r.group.DoChan(domain, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.load(loadCtx, domain)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.Credential{}, &CredentialError{Host: hostname, Domain: domain, Err: ctx.Err()}
	}
	if res.Err != nil {
		return model.Credential{}, &CredentialError{Host: hostname, Domain: domain, Err: res.Err}
	}

	loaded, _ := res.Val.(*model.Credential)
	if loaded == nil {
		return r.useFallback(hostname, domain)
	}
	return *loaded, nil
}

// load fetches and decrypts a domain entry. It returns nil when the store
// has no entry for the domain.
func (r *Resolver) load(ctx context.Context, domain string) (*model.Credential, error) {
	r.mu.RLock()
	cred, ok := r.cache[domain]
	r.mu.RUnlock()
	if ok {
		return &cred, nil
	}

	entry, err := r.store.LookupDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("lookup domain: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	secret, err := r.decrypter.Decrypt(entry.EncryptedSecret)
	if err != nil {
		r.logger.Error().Err(err).Str("domain", domain).Msg("Failed to decrypt domain credential")
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	cred = model.Credential{Username: entry.Username, Secret: secret}

	r.mu.Lock()
	r.cache[domain] = cred
	r.mu.Unlock()

	r.logger.Debug().Str("domain", domain).Msg("Cached domain credential")
	return &cred, nil
}

func (r *Resolver) useFallback(hostname, domain string) (model.Credential, error) {
	if r.fallback == nil {
		return model.Credential{}, &CredentialError{Host: hostname, Domain: domain, Err: errNoFallback}
	}
	return *r.fallback, nil
}

// Cached reports how many domains are currently cached.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
