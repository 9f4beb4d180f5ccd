package model

// TokenPair is handed to the client once and never persisted as a pair.
// Only RefreshToken is also stored, on the user row.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// IsZero reports whether the pair is empty, which is what an OAuth callback
// without a profile produces.
func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}
