package models

import "time"

// Provider identifies a source-control host.
type Provider string

const (
	ProviderGitHub Provider = "github"
)

// SourceToken is a source-control credential. The secret is only stored encrypted.
type SourceToken struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	Provider        Provider  `json:"provider"`
	EncryptedSecret []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Repository is a repository visible to a token.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	URL      string `json:"url"`
}
