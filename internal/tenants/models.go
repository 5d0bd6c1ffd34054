package tenants

import (
	"errors"
	"strings"
	"time"
)

// Tenant is a client organization owning agents and calls.
type Tenant struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Branding  map[string]any `json:"branding" db:"branding"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// SettingsUpdate is a partial change to a tenant and its vendor credential.
// Nil fields are left untouched; an empty VendorAPIKey clears the credential.
type SettingsUpdate struct {
	Name         *string
	Branding     map[string]any
	VendorAPIKey *string
}

func (u SettingsUpdate) Empty() bool {
	return u.Name == nil && u.Branding == nil && u.VendorAPIKey == nil
}

var (
	ErrNotFound      = errors.New("tenants: not found")
	ErrInvalidUpdate = errors.New("tenants: invalid update")
)

// MaskKey hides all but the last four characters of a credential.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}

func validateUpdate(u SettingsUpdate) (SettingsUpdate, error) {
	if u.Name != nil {
		n := strings.TrimSpace(*u.Name)
		if n == "" || len(n) > 200 {
			return SettingsUpdate{}, ErrInvalidUpdate
		}
		u.Name = &n
	}
	if u.VendorAPIKey != nil {
		k := strings.TrimSpace(*u.VendorAPIKey)
		u.VendorAPIKey = &k
	}
	return u, nil
}
