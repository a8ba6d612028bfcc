// Package schema defines the records shared by the machines service, its store and its clients.
package schema

import "time"

// User is an account of the cloud-management application.
// Username is the stable identifier used for ownership checks.
type User struct {
	Username  string    `json:"username" yaml:"username"`
	Email     string    `json:"email,omitempty" yaml:"email"`
	IsStaff   bool      `json:"is_staff" yaml:"is_staff"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SameUser reports whether two usernames refer to the same account.
// Ownership is decided on the username value, never on record identity.
func SameUser(a, b string) bool {
	return a != "" && a == b
}

// Identity scopes a driver session to a set of provider credentials.
type Identity struct {
	ID          string   `json:"id" yaml:"id"`
	ProviderID  string   `json:"provider_id" yaml:"provider_id"`
	CreatedBy   string   `json:"created_by" yaml:"created_by"`
	Members     []string `json:"members,omitempty" yaml:"members"`
	Credentials string   `json:"credentials,omitempty" yaml:"credentials"`
}

// Allows reports whether the user may open driver sessions with this identity.
func (i *Identity) Allows(u *User) bool {
	if u == nil {
		return false
	}
	if u.IsStaff || SameUser(i.CreatedBy, u.Username) {
		return true
	}
	for _, m := range i.Members {
		if SameUser(m, u.Username) {
			return true
		}
	}
	return false
}
