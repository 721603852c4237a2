package services

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"
)

// AuthContext is the complete credential tuple for one bunq integration.
// It is always rebuilt as a whole; stale and fresh generations are never
// mixed.
type AuthContext struct {
	APIKey            string
	Environment       string
	ClientPrivateKey  string
	InstallationToken string
	SessionToken      string
	ServerPublicKey   string
	UserID            string
	PermittedIPs      []string
}

// AuthContextManager drives the installation → device-registration →
// session-creation handshake and persists every obtained token through the
// secret store so concurrent and future processes reuse them.
type AuthContextManager struct {
	Secrets           SecretStore
	HTTPClient        *http.Client
	DeviceDescription string
}

func NewAuthContextManager(secrets SecretStore) *AuthContextManager {
	return &AuthContextManager{
		Secrets:           secrets,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		DeviceDescription: "Budget Sync Server",
	}
}

func (m *AuthContextManager) Environment(ctx context.Context) string {
	raw, err := m.Secrets.Get(ctx, SecretBunqEnvironment)
	if err == nil && raw == "sandbox" {
		return "sandbox"
	}
	return "production"
}

func (m *AuthContextManager) permittedIPs(ctx context.Context) []string {
	raw, err := m.Secrets.Get(ctx, SecretBunqPermittedIPs)
	if err != nil || strings.TrimSpace(raw) == "" {
		return []string{"*"}
	}
	var ips []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ips = append(ips, trimmed)
		}
	}
	if len(ips) == 0 {
		return []string{"*"}
	}
	return ips
}

func (m *AuthContextManager) getOrCreatePrivateKey(ctx context.Context) (string, error) {
	existing, err := m.Secrets.Get(ctx, SecretBunqClientPrivateKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	log.Printf("[Bunq] 🔐 Generating new client key pair")
	privateKey, publicKey, err := GenerateBunqKeyPair()
	if err != nil {
		return "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqClientPrivateKey, privateKey); err != nil {
		return "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqClientPublicKey, publicKey); err != nil {
		return "", err
	}
	return privateKey, nil
}

func (m *AuthContextManager) newClient(apiKey, environment, privateKey string) *BunqClient {
	client := NewBunqClient(environment)
	client.APIKey = apiKey
	client.ClientPrivateKey = privateKey
	client.UserAgent = m.DeviceDescription
	if m.HTTPClient != nil {
		client.HTTPClient = m.HTTPClient
	}
	return client
}

// resetAuthContext wipes all four persisted fields so the next bootstrap
// starts from a clean generation.
func (m *AuthContextManager) resetAuthContext(ctx context.Context) {
	for _, name := range []string{
		SecretBunqInstallationToken,
		SecretBunqServerPublicKey,
		SecretBunqSessionToken,
		SecretBunqUserID,
	} {
		if err := m.Secrets.Set(ctx, name, ""); err != nil {
			log.Printf("[Bunq] ⚠️  Failed to clear secret %s: %v", name, err)
		}
	}
}

func (m *AuthContextManager) createInstallation(ctx context.Context, apiKey, environment, privateKey, publicKey string) (string, string, error) {
	client := m.newClient(apiKey, environment, privateKey)
	installation, err := client.CreateInstallation(ctx, publicKey)
	if err != nil {
		return "", "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqInstallationToken, installation.InstallationToken); err != nil {
		return "", "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqServerPublicKey, installation.ServerPublicKey); err != nil {
		return "", "", err
	}
	return installation.InstallationToken, installation.ServerPublicKey, nil
}

func (m *AuthContextManager) createSession(ctx context.Context, apiKey, environment, privateKey, installationToken, serverPublicKey string) (string, string, error) {
	client := m.newClient(apiKey, environment, privateKey)
	client.InstallationToken = installationToken
	client.ServerPublicKey = serverPublicKey

	if err := client.RegisterDevice(ctx, m.DeviceDescription, m.permittedIPs(ctx)); err != nil {
		return "", "", err
	}
	session, err := client.CreateSession(ctx)
	if err != nil {
		return "", "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqSessionToken, session.SessionToken); err != nil {
		return "", "", err
	}
	if err := m.Secrets.Set(ctx, SecretBunqUserID, session.UserID); err != nil {
		return "", "", err
	}
	return session.SessionToken, session.UserID, nil
}

// EnsureContext lazily walks Uninitialized → Installed → SessionActive.
// On an auth rejection during device registration or session creation, the
// persisted context is wiped and the full bootstrap replays exactly once
// before the failure propagates.
func (m *AuthContextManager) EnsureContext(ctx context.Context) (*AuthContext, error) {
	apiKey, err := m.Secrets.Get(ctx, SecretBunqAPIKey)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, &BunqConfigurationError{Message: "bunq_api_key secret is required"}
	}

	environment := m.Environment(ctx)

	privateKey, err := m.getOrCreatePrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	publicKey, err := PublicKeyFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}

	installationToken, _ := m.Secrets.Get(ctx, SecretBunqInstallationToken)
	serverPublicKey, _ := m.Secrets.Get(ctx, SecretBunqServerPublicKey)
	sessionToken, _ := m.Secrets.Get(ctx, SecretBunqSessionToken)
	userID, _ := m.Secrets.Get(ctx, SecretBunqUserID)

	if installationToken == "" || serverPublicKey == "" {
		installationToken, serverPublicKey, err = m.createInstallation(ctx, apiKey, environment, privateKey, publicKey)
		if err != nil {
			return nil, err
		}
	}

	if sessionToken == "" || userID == "" {
		sessionToken, userID, err = m.createSession(ctx, apiKey, environment, privateKey, installationToken, serverPublicKey)
		if err != nil {
			authErr, ok := err.(*BunqAuthError)
			if !ok || (authErr.Status != 401 && authErr.Status != 403) {
				return nil, err
			}

			log.Printf("[Bunq] ⚠️  Auth context rejected; clearing installation/session context and retrying bootstrap once")
			m.resetAuthContext(ctx)

			installationToken, serverPublicKey, err = m.createInstallation(ctx, apiKey, environment, privateKey, publicKey)
			if err != nil {
				return nil, err
			}
			sessionToken, userID, err = m.createSession(ctx, apiKey, environment, privateKey, installationToken, serverPublicKey)
			if err != nil {
				return nil, err
			}
		}
	}

	return &AuthContext{
		APIKey:            apiKey,
		Environment:       environment,
		ClientPrivateKey:  privateKey,
		InstallationToken: installationToken,
		SessionToken:      sessionToken,
		ServerPublicKey:   serverPublicKey,
		UserID:            userID,
		PermittedIPs:      m.permittedIPs(ctx),
	}, nil
}

// RefreshSession drops the current session and establishes a new one. Used
// by the protocol client when a session-scoped call is rejected.
func (m *AuthContextManager) RefreshSession(ctx context.Context) (*AuthContext, error) {
	if err := m.Secrets.Set(ctx, SecretBunqSessionToken, ""); err != nil {
		return nil, err
	}
	if err := m.Secrets.Set(ctx, SecretBunqUserID, ""); err != nil {
		return nil, err
	}
	return m.EnsureContext(ctx)
}
