package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	keyB = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

func TestCredentialFromHex(t *testing.T) {
	cred, err := CredentialFromHex("0x" + keyA)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), cred.Address)
	require.NotContains(t, fmt.Sprintf("%v %#v", cred, cred), keyA)

	_, err = CredentialFromHex("not-a-key")
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSandboxResolver(t *testing.T) {
	buyer, err := CredentialFromHex(keyA)
	require.NoError(t, err)
	seller, err := CredentialFromHex(keyB)
	require.NoError(t, err)

	t.Run("single_credential_for_both_roles", func(t *testing.T) {
		r := NewSandboxResolver(buyer, nil)
		require.True(t, r.Sandboxed())
		pair, err := r.ResolvePair(context.Background(), "anyone", "someone")
		require.NoError(t, err)
		require.Equal(t, buyer.Address, pair.Buyer.Address)
		require.Equal(t, buyer.Address, pair.Seller.Address)
	})

	t.Run("explicit_pair", func(t *testing.T) {
		r := NewSandboxResolver(buyer, &seller)
		pair, err := r.ResolvePair(context.Background(), "", "")
		require.NoError(t, err)
		require.Equal(t, buyer.Address, pair.Buyer.Address)
		require.Equal(t, seller.Address, pair.Seller.Address)
	})
}

type staticProvider map[string]Credential

func (p staticProvider) ResolveSigningCredential(_ context.Context, id string) (Credential, error) {
	c, ok := p[id]
	if !ok {
		return Credential{}, ErrWalletNotFound
	}
	return c, nil
}

func TestResolver_Production(t *testing.T) {
	buyer, _ := CredentialFromHex(keyA)
	seller, _ := CredentialFromHex(keyB)
	r := NewResolver(staticProvider{"ext-buyer": buyer, "ext-seller": seller})
	require.False(t, r.Sandboxed())

	pair, err := r.ResolvePair(context.Background(), "ext-buyer", "ext-seller")
	require.NoError(t, err)
	require.Equal(t, buyer.Address, pair.Buyer.Address)
	require.Equal(t, seller.Address, pair.Seller.Address)

	_, err = r.ResolvePair(context.Background(), "ext-buyer", "missing")
	require.True(t, errors.Is(err, ErrWalletNotFound))
}

func TestRemoteProvider(t *testing.T) {
	expected, _ := CredentialFromHex(keyB)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v1/wallets/user-1/signer":
			fmt.Fprintf(w, `{"success":true,"data":{"address":%q,"private_key":%q}}`, expected.Address.Hex(), keyB)
		case "/api/v1/wallets/mismatch/signer":
			fmt.Fprintf(w, `{"success":true,"data":{"address":"0x0000000000000000000000000000000000000001","private_key":%q}}`, keyB)
		case "/api/v1/wallets/broken/signer":
			fmt.Fprint(w, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"vault sealed"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewRemoteProvider(srv.URL+"/", "svc-key", 0)
	ctx := context.Background()

	cred, err := p.ResolveSigningCredential(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, expected.Address, cred.Address)

	_, err = p.ResolveSigningCredential(ctx, "unknown")
	require.ErrorIs(t, err, ErrWalletNotFound)

	_, err = p.ResolveSigningCredential(ctx, "mismatch")
	require.ErrorIs(t, err, ErrAddressMismatch)

	_, err = p.ResolveSigningCredential(ctx, "broken")
	require.ErrorContains(t, err, "vault sealed")

	_, err = p.ResolveSigningCredential(ctx, " ")
	require.ErrorIs(t, err, ErrWalletNotFound)
}
