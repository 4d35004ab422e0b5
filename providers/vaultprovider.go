package providers

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/hashicorp/vault-client-go/schema"
	"github.com/sirupsen/logrus"
)

// VaultTokenProvider reads tokens from a KV v2 mount after an AppRole login.
// The secret for a domain lives at SecretPath/<domain> under the field
// TokenKey.
type VaultTokenProvider struct {
	Address    string
	CACert     string
	RoleID     string
	SecretID   string
	MountPath  string
	SecretPath string
	TokenKey   string
	Logger     *logrus.Logger

	mu     sync.Mutex
	client *vault.Client
}

func (v *VaultTokenProvider) login(ctx context.Context) (*vault.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		return v.client, nil
	}

	opts := []vault.ClientOption{
		vault.WithAddress(v.Address),
		vault.WithRequestTimeout(30 * time.Second),
	}
	if v.CACert != "" {
		tls := vault.TLSConfiguration{}
		tls.ServerCertificate.FromFile = v.CACert
		opts = append(opts, vault.WithTLS(tls))
	}
	client, err := vault.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}

	resp, err := client.Auth.AppRoleLogin(
		ctx,
		schema.AppRoleLoginRequest{
			RoleId:   v.RoleID,
			SecretId: v.SecretID,
		},
		vault.WithMountPath("approle"),
	)
	if err != nil {
		return nil, fmt.Errorf("vault login failed: %w", err)
	}
	if err := client.SetToken(resp.Auth.ClientToken); err != nil {
		return nil, fmt.Errorf("vault set token: %w", err)
	}
	if v.Logger != nil {
		v.Logger.Infof("Authenticated to Vault at %s using AppRole", v.Address)
	}
	v.client = client
	return client, nil
}

func (v *VaultTokenProvider) Token(ctx context.Context, domain string) (string, error) {
	client, err := v.login(ctx)
	if err != nil {
		return "", err
	}
	secretPath := path.Join(v.SecretPath, domain)
	resp, err := client.Secrets.KvV2Read(ctx, secretPath, vault.WithMountPath(v.MountPath))
	if err != nil {
		return "", fmt.Errorf("read %s from vault: %w", secretPath, err)
	}
	key := v.TokenKey
	if key == "" {
		key = "token"
	}
	tok, ok := resp.Data.Data[key].(string)
	if !ok || tok == "" {
		return "", fmt.Errorf("%w %q: field %s missing at %s", ErrNoCredential, domain, key, secretPath)
	}
	return tok, nil
}
