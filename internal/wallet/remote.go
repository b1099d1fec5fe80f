package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ksred/klear-nft/pkg/response"
)

var ErrWalletNotFound = errors.New("wallet not found")

// RemoteProvider fetches signing credentials from the wallet microservice
type RemoteProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type signerPayload struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

type signerEnvelope struct {
	Success bool            `json:"success"`
	Data    *signerPayload  `json:"data,omitempty"`
	Error   *response.Error `json:"error,omitempty"`
}

func NewRemoteProvider(baseURL, apiKey string, timeout time.Duration) *RemoteProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{Timeout: timeout},
	}
}

func (p *RemoteProvider) ResolveSigningCredential(ctx context.Context, externalID string) (Credential, error) {
	if strings.TrimSpace(externalID) == "" {
		return Credential{}, fmt.Errorf("%w: empty external id", ErrWalletNotFound)
	}

	endpoint := p.baseURL + "/api/v1/wallets/" + url.PathEscape(externalID) + "/signer"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("wallet service request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Credential{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return Credential{}, fmt.Errorf("%w: %s", ErrWalletNotFound, externalID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, fmt.Errorf("wallet service http %d", resp.StatusCode)
	}

	var env signerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Credential{}, fmt.Errorf("failed to decode wallet service response: %w", err)
	}
	if !env.Success || env.Data == nil {
		msg := "empty response"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return Credential{}, fmt.Errorf("wallet service error: %s", msg)
	}

	cred, err := CredentialFromHex(env.Data.PrivateKey)
	if err != nil {
		return Credential{}, err
	}
	if env.Data.Address != "" && common.HexToAddress(env.Data.Address) != cred.Address {
		return Credential{}, ErrAddressMismatch
	}
	return cred, nil
}
