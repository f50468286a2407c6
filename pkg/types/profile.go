package types

import "time"

// AuthMode selects how a credential profile is turned into a session.
type AuthMode string

const (
	AuthModeDirect AuthMode = "direct"
	AuthModeOAuth2 AuthMode = "oauth2"
)

// CredentialProfile is a named, reusable bundle of vendor credentials owned by
// a single user. At most one profile per (user, vendor) pair may be marked
// default; the storage layer enforces this on write.
type CredentialProfile struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userID"`
	Name      string    `json:"name"`
	Vendor    VendorTag `json:"vendor"`
	AuthMode  AuthMode  `json:"authMode"`
	BaseURL   string    `json:"baseURL,omitempty"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// EncryptedSecrets holds the AES-GCM encrypted Secrets blob. The
	// plaintext never leaves the profile store.
	EncryptedSecrets []byte `json:"encryptedSecrets,omitempty"`
}

// Secrets holds the vendor-specific secret fields for a profile. Exactly one
// member is set, matching the profile's vendor tag.
type Secrets struct {
	SolarEdge *SolarEdgeSecrets `json:"solaredge,omitempty"`
	Sungrow   *SungrowSecrets   `json:"sungrow,omitempty"`
}

// SolarEdgeSecrets are the fields required for the SolarEdge monitoring API.
type SolarEdgeSecrets struct {
	APIKey string `json:"apiKey"`
	SiteID string `json:"siteID"`
}

// SungrowSecrets are the fields required for the iSolarCloud API. Account and
// Password are used for direct login; ClientID and ClientSecret for the
// OAuth2 authorization-code flow.
type SungrowSecrets struct {
	AppKey    string `json:"appKey"`
	AccessKey string `json:"accessKey"`
	Account   string `json:"account,omitempty"`
	Password  string `json:"password,omitempty"`

	ClientID     string `json:"clientID,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// ProviderInfo provides metadata about a monitoring provider so the UI can
// render the right credential form.
type ProviderInfo struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	AuthModes   []AuthMode           `json:"authModes"`
	Credentials []ProviderCredential `json:"credentials"`
}

// ProviderCredential defines a single credential field for a provider.
type ProviderCredential struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Type        string `json:"type"` // e.g. "string" or "password"
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// User is an authenticated dashboard user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Admin bool   `json:"admin,omitempty"`
}
