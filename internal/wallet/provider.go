package wallet

import (
	"context"
	"fmt"
)

// Provider resolves a user's external identity to a signing credential
type Provider interface {
	ResolveSigningCredential(ctx context.Context, externalID string) (Credential, error)
}

// Resolver hands out the buyer and seller credentials for one purchase. In
// sandbox mode the configured pair is used for every purchase; otherwise each
// side is resolved independently through the Provider.
type Resolver struct {
	sandbox  *Pair
	provider Provider
}

func NewSandboxResolver(buyer Credential, seller *Credential) *Resolver {
	pair := Pair{Buyer: buyer, Seller: buyer}
	if seller != nil {
		pair.Seller = *seller
	}
	return &Resolver{sandbox: &pair}
}

func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// Sandboxed reports whether a fixed credential pair is in use
func (r *Resolver) Sandboxed() bool {
	return r.sandbox != nil
}

func (r *Resolver) ResolvePair(ctx context.Context, buyerExternalID, sellerExternalID string) (Pair, error) {
	if r.sandbox != nil {
		return *r.sandbox, nil
	}

	buyer, err := r.provider.ResolveSigningCredential(ctx, buyerExternalID)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to resolve buyer credential: %w", err)
	}
	seller, err := r.provider.ResolveSigningCredential(ctx, sellerExternalID)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to resolve seller credential: %w", err)
	}
	return Pair{Buyer: buyer, Seller: seller}, nil
}
