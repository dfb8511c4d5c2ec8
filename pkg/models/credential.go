package models

import (
	"time"
)

// OAuthCredential is the persisted token pair for a connected Xero tenant.
// Token fields hold plaintext in memory only; the repository encrypts them
// with pgcrypto on write and decrypts on read. They are never serialized.
type OAuthCredential struct {
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (OAuthCredential) TableName() string {
	return "xero_credentials"
}

// IsExpired checks if the access token is expired or expires within skew
func (c *OAuthCredential) IsExpired(skew time.Duration) bool {
	return !time.Now().Add(skew).Before(c.ExpiresAt)
}
