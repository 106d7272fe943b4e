// Package domain contains core domain types for the chatsync client.
package domain

// Credentials is the persisted credential set for the signed-in user.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// IsAuthenticated reports whether both the access token and the user id are present.
func (c Credentials) IsAuthenticated() bool {
	return c.AccessToken != "" && c.UserID != ""
}

// IsEmpty returns true if no credential field is set.
func (c Credentials) IsEmpty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.UserID == ""
}
