package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/user/fleetscan/internal/model"
)

func TestDomainOf(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"srv01.corp.local", "corp.local"},
		{"SRV01.Corp.Local.", "corp.local"},
		{"ws42.eu.corp.local", "eu.corp.local"},
		{"standalone", ""},
		{"trailing.", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, DomainOf(tt.host))
		})
	}
}

func TestResolveCachesDomain(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	dec := NewMockDecrypter(ctrl)

	store.EXPECT().LookupDomain(gomock.Any(), "corp.local").Return(&model.DomainCredential{
		Domain:          "corp.local",
		Username:        `CORP\scanner`,
		EncryptedSecret: "cipher",
	}, nil).Times(1)
	dec.EXPECT().Decrypt("cipher").Return("s3cret", nil).Times(1)

	r := NewResolver(store, dec, nil, zerolog.Nop())

	for _, host := range []string{"a.corp.local", "B.CORP.LOCAL"} {
		cred, err := r.Resolve(context.Background(), host)
		require.NoError(t, err)
		assert.Equal(t, model.Credential{Username: `CORP\scanner`, Secret: "s3cret"}, cred)
	}
	assert.Equal(t, 1, r.Cached())
}

func TestResolveFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	dec := NewMockDecrypter(ctrl)
	fallback := &model.Credential{Username: "admin", Secret: "default"}

	store.EXPECT().LookupDomain(gomock.Any(), "other.local").Return(nil, nil)

	r := NewResolver(store, dec, fallback, zerolog.Nop())

	cred, err := r.Resolve(context.Background(), "x.other.local")
	require.NoError(t, err)
	assert.Equal(t, *fallback, cred)

	cred, err = r.Resolve(context.Background(), "workgroup-pc")
	require.NoError(t, err)
	assert.Equal(t, *fallback, cred)

	assert.Equal(t, 0, r.Cached())
}

func TestResolveNoFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r := NewResolver(NewMockDomainStore(ctrl), NewMockDecrypter(ctrl), nil, zerolog.Nop())

	_, err := r.Resolve(context.Background(), "workgroup-pc")

	var ce *CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "workgroup-pc", ce.Host)
}

func TestResolveDecryptFailureIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	dec := NewMockDecrypter(ctrl)

	store.EXPECT().LookupDomain(gomock.Any(), "bad.local").Return(&model.DomainCredential{
		Domain: "bad.local", Username: "u", EncryptedSecret: "broken",
	}, nil).Times(2)
	store.EXPECT().LookupDomain(gomock.Any(), "good.local").Return(&model.DomainCredential{
		Domain: "good.local", Username: "u", EncryptedSecret: "ok",
	}, nil)
	dec.EXPECT().Decrypt("broken").Return("", errors.New("bad key")).Times(2)
	dec.EXPECT().Decrypt("ok").Return("pw", nil)

	fallback := &model.Credential{Username: "admin", Secret: "default"}
	r := NewResolver(store, dec, fallback, zerolog.Nop())

	for _, host := range []string{"h1.bad.local", "h2.bad.local"} {
		_, err := r.Resolve(context.Background(), host)
		var ce *CredentialError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "bad.local", ce.Domain)
	}

	cred, err := r.Resolve(context.Background(), "h3.good.local")
	require.NoError(t, err)
	assert.Equal(t, "pw", cred.Secret)
	assert.Equal(t, 1, r.Cached())
}

func TestResolveConcurrentMissesShareLoad(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	dec := NewMockDecrypter(ctrl)

	store.EXPECT().LookupDomain(gomock.Any(), "corp.local").DoAndReturn(
		func(context.Context, string) (*model.DomainCredential, error) {
			time.Sleep(50 * time.Millisecond)
			return &model.DomainCredential{Domain: "corp.local", Username: "u", EncryptedSecret: "c"}, nil
		}).MinTimes(1).MaxTimes(2)
	dec.EXPECT().Decrypt("c").Return("pw", nil).MinTimes(1).MaxTimes(2)

	r := NewResolver(store, dec, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := r.Resolve(context.Background(), "h.corp.local")
			assert.NoError(t, err)
			assert.Equal(t, "pw", cred.Secret)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Cached())
}

func TestResolveStoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	store.EXPECT().LookupDomain(gomock.Any(), "corp.local").Return(nil, errors.New("database is locked"))

	r := NewResolver(store, NewMockDecrypter(ctrl), &model.Credential{Username: "admin"}, zerolog.Nop())

	_, err := r.Resolve(context.Background(), "h.corp.local")
	var ce *CredentialError
	assert.ErrorAs(t, err, &ce)
}

func TestResolveCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := NewMockDomainStore(ctrl)
	dec := NewMockDecrypter(ctrl)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	store.EXPECT().LookupDomain(gomock.Any(), "corp.local").DoAndReturn(
		func(ctx context.Context, _ string) (*model.DomainCredential, error) {
			close(entered)
			select {
			case <-unblock:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &model.DomainCredential{Domain: "corp.local", Username: "u", EncryptedSecret: "c"}, nil
		}).Times(1)
	dec.EXPECT().Decrypt("c").Return("pw", nil).Times(1)

	r := NewResolver(store, dec, nil, zerolog.Nop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "a.corp.local")
		errA <- err
	}()
	<-entered

	type result struct {
		cred model.Credential
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		cred, err := r.Resolve(context.Background(), "b.corp.local")
		resB <- result{cred, err}
	}()

	// Give b time to join the in-flight load before a goes away.
	time.Sleep(20 * time.Millisecond)
	cancelA()

	err := <-errA
	var ce *CredentialError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.Canceled)

	close(unblock)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "pw", b.cred.Secret)
	assert.Equal(t, 1, r.Cached())
}
