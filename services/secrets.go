package services

import (
	"context"
	"database/sql"

	"github.com/LovationAdmin/bunq-sync/utils"
)

// Secret names used by the bunq integration. Tokens and key material are
// persisted so future processes reuse the established auth context.
const (
	SecretBunqAPIKey            = "bunq_api_key"
	SecretBunqEnvironment       = "bunq_environment"
	SecretBunqPermittedIPs      = "bunq_permitted_ips"
	SecretBunqClientPrivateKey  = "bunq_client_private_key"
	SecretBunqClientPublicKey   = "bunq_client_public_key"
	SecretBunqInstallationToken = "bunq_installation_token"
	SecretBunqServerPublicKey   = "bunq_server_public_key"
	SecretBunqSessionToken      = "bunq_session_token"
	SecretBunqUserID            = "bunq_user_id"
)

// SecretStore is the durable key/value collaborator for tokens and key
// material. Get returns "" for a missing secret; Set with "" deletes it.
type SecretStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

// DBSecretStore keeps secrets in Postgres, encrypted at rest with the
// application data key.
type DBSecretStore struct {
	db *sql.DB
}

func NewDBSecretStore(db *sql.DB) *DBSecretStore {
	return &DBSecretStore{db: db}
}

func (s *DBSecretStore) Get(ctx context.Context, name string) (string, error) {
	var encrypted string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM bunq_secrets WHERE name = $1", name,
	).Scan(&encrypted)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	plaintext, err := utils.Decrypt(encrypted)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *DBSecretStore) Set(ctx context.Context, name, value string) error {
	if value == "" {
		_, err := s.db.ExecContext(ctx, "DELETE FROM bunq_secrets WHERE name = $1", name)
		return err
	}

	encrypted, err := utils.Encrypt([]byte(value))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bunq_secrets (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = $2, updated_at = NOW()
	`, name, encrypted)
	return err
}
