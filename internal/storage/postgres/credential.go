package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feastly/possync/internal/domain/credential"
)

const (
	getCredentialsSQL = `SELECT restaurant_id, version, app_key,
		app_secret_enc, access_token_enc, webhook_secret_enc, mode
		FROM restaurant_credentials
		WHERE restaurant_id = $1 AND active = TRUE
		ORDER BY version DESC LIMIT 1`

	insertCredentialsSQL = `INSERT INTO restaurant_credentials (restaurant_id, version,
		app_key, app_secret_enc, access_token_enc, webhook_secret_enc, mode, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`

	deactivateCredentialsSQL = `UPDATE restaurant_credentials
		SET active = FALSE WHERE restaurant_id = $1 AND version < $2`

	nextCredentialVersionSQL = `SELECT COALESCE(MAX(version), 0) + 1
		FROM restaurant_credentials WHERE restaurant_id = $1`
)

var _ credential.Store = (*CredentialStore)(nil)

// CredentialStore reads and rotates POS credentials, decrypting secret
// columns with the configured cipher.
type CredentialStore struct {
	pool   *pgxpool.Pool
	cipher *SecretCipher
}

// NewCredentialStore returns a CredentialStore that uses the given pool and cipher.
func NewCredentialStore(pool *pgxpool.Pool, cipher *SecretCipher) *CredentialStore {
	return &CredentialStore{pool: pool, cipher: cipher}
}

// Get returns the latest active credentials for the restaurant, or
// credential.ErrNotFound.
func (s *CredentialStore) Get(ctx context.Context, restaurantID string) (*credential.Credentials, error) {
	var (
		restID           string
		version          int
		appKey           string
		mode             string
		appSecretEnc     []byte
		accessTokenEnc   []byte
		webhookSecretEnc []byte
	)
	err := s.pool.QueryRow(ctx, getCredentialsSQL, restaurantID).Scan(
		&restID, &version, &appKey,
		&appSecretEnc, &accessTokenEnc, &webhookSecretEnc, &mode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credential.ErrNotFound
		}
		return nil, fmt.Errorf("getting credentials for %q: %w", restaurantID, err)
	}

	appSecret, err := s.cipher.Open(restaurantID, appSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting app secret for %q: %w", restaurantID, err)
	}
	accessToken, err := s.cipher.Open(restaurantID, accessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token for %q: %w", restaurantID, err)
	}
	webhookSecret, err := s.cipher.Open(restaurantID, webhookSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting webhook secret for %q: %w", restaurantID, err)
	}

	return &credential.Credentials{
		RestaurantID:  restID,
		AppKey:        appKey,
		AppSecret:     string(appSecret),
		AccessToken:   string(accessToken),
		WebhookSecret: string(webhookSecret),
		Mode:          credential.Mode(mode),
		Version:       version,
	}, nil
}

// Rotate writes the credentials as a new active version and deactivates all
// prior versions. Webhook verification for in-flight deliveries keeps working
// until the sender switches secrets, because old rows stay readable by
// version.
func (s *CredentialStore) Rotate(ctx context.Context, c *credential.Credentials) error {
	appSecretEnc, err := s.cipher.Seal(c.RestaurantID, []byte(c.AppSecret))
	if err != nil {
		return fmt.Errorf("encrypting app secret for %q: %w", c.RestaurantID, err)
	}
	accessTokenEnc, err := s.cipher.Seal(c.RestaurantID, []byte(c.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypting access token for %q: %w", c.RestaurantID, err)
	}
	webhookSecretEnc, err := s.cipher.Seal(c.RestaurantID, []byte(c.WebhookSecret))
	if err != nil {
		return fmt.Errorf("encrypting webhook secret for %q: %w", c.RestaurantID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rotation for %q: %w", c.RestaurantID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int
	if err := tx.QueryRow(ctx, nextCredentialVersionSQL, c.RestaurantID).Scan(&version); err != nil {
		return fmt.Errorf("allocating credential version for %q: %w", c.RestaurantID, err)
	}
	_, err = tx.Exec(ctx, insertCredentialsSQL,
		c.RestaurantID, version, c.AppKey,
		appSecretEnc, accessTokenEnc, webhookSecretEnc, string(c.Mode),
	)
	if err != nil {
		return fmt.Errorf("inserting credentials for %q: %w", c.RestaurantID, err)
	}
	_, err = tx.Exec(ctx, deactivateCredentialsSQL, c.RestaurantID, version)
	if err != nil {
		return fmt.Errorf("deactivating old credentials for %q: %w", c.RestaurantID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rotation for %q: %w", c.RestaurantID, err)
	}
	c.Version = version
	return nil
}
