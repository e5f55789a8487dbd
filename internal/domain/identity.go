package domain

import "time"

// Provider names the mail backend a sender identity sends through.
type Provider string

// Supported providers.
const (
	ProviderGmail Provider = "gmail"
	ProviderSMTP  Provider = "smtp"
	ProviderBrevo Provider = "brevo"
)

// IsValid checks if the provider is supported.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderGmail, ProviderSMTP, ProviderBrevo:
		return true
	}
	return false
}

// WarmupSettings describes the quota ramp of a sender identity.
type WarmupSettings struct {
	StartDate  time.Time
	Base       int
	Multiplier float64
	Cap        int
}

// SenderIdentity is a mailbox with its encrypted token pair as stored.
type SenderIdentity struct {
	ID              string
	FromAddress     string
	FromName        string
	Provider        Provider
	AccessTokenEnc  []byte
	RefreshTokenEnc []byte
	TokenExpiry     *time.Time
	Scopes          []string
	Active          bool
	Warmup          WarmupSettings
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential is the decrypted, send-ready view of a sender identity.
type Credential struct {
	IdentityID   string
	FromAddress  string
	FromName     string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// ValidAt reports whether the access token is still usable at t with margin to spare.
// A zero expiry never expires (API keys, app passwords).
func (c *Credential) ValidAt(t time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return t.Add(margin).Before(c.Expiry)
}
