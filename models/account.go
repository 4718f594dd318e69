package models

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/solopub/solopub/internal/crypto"
	"github.com/solopub/solopub/internal/snowflake"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// An Account is the node's single local identity. It owns the signing
// keypair used for all outgoing requests, and the password hash the
// admin UI authenticates against. The node is single tenant; there is
// exactly one Account row.
type Account struct {
	ID                        snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	Domain                    string `gorm:"size:64;not null;uniqueIndex"`
	Username                  string `gorm:"size:64;not null"`
	ActorID                   snowflake.ID
	Actor                     *Actor `gorm:"constraint:OnDelete:CASCADE;<-:create;"`
	EncryptedPassword         []byte `gorm:"size:60;not null"`
	PrivateKey                []byte `gorm:"not null"`
	ManuallyApprovesFollowers bool   `gorm:"not null;default:false"`
}

// ApID returns the ap id of the account's actor.
func (a *Account) ApID() string {
	return fmt.Sprintf("https://%s/users/%s", a.Domain, a.Username)
}

func (a *Account) FollowersURL() string {
	return a.ApID() + "/followers"
}

func (a *Account) PublicKeyID() string {
	return a.ApID() + "#main-key"
}

// PrivKey decodes the account's RSA signing key.
func (a *Account) PrivKey() (*rsa.PrivateKey, error) {
	_, priv, err := crypto.ParseRSAPrivateKey(a.PrivateKey)
	return priv, err
}

type Accounts struct {
	db *gorm.DB
}

func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// Local returns the node's local account.
func (a *Accounts) Local() (*Account, error) {
	var account Account
	if err := a.db.Joins("Actor").Take(&account).Error; err != nil {
		return nil, fmt.Errorf("Accounts.Local: %w", err)
	}
	return &account, nil
}

// Create initialises the local account and its actor document.
func (a *Accounts) Create(domain, username, displayName, password string) (*Account, error) {
	var account Account
	err := a.db.Transaction(func(tx *gorm.DB) error {
		keypair, err := crypto.GenerateRSAKeypair()
		if err != nil {
			return err
		}
		passwd, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		apID := fmt.Sprintf("https://%s/users/%s", domain, username)
		actor := &Actor{
			Properties: map[string]any{
				"@context":          "https://www.w3.org/ns/activitystreams",
				"id":                apID,
				"type":              "Person",
				"preferredUsername": username,
				"name":              displayName,
				"inbox":             apID + "/inbox",
				"outbox":            apID + "/outbox",
				"followers":         apID + "/followers",
				"following":         apID + "/following",
				"publicKey": map[string]any{
					"id":           apID + "#main-key",
					"owner":        apID,
					"publicKeyPem": string(keypair.PublicKey),
				},
			},
		}
		if err := tx.Create(actor).Error; err != nil {
			return err
		}

		account = Account{
			ID:                snowflake.Now(),
			Domain:            domain,
			Username:          username,
			ActorID:           actor.ID,
			Actor:             actor,
			EncryptedPassword: passwd,
			PrivateKey:        keypair.PrivateKey,
		}
		return tx.Create(&account).Error
	})
	return &account, err
}
