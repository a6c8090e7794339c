package grpcserver

import "time"

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshToken is a refresh secret as handed to the client. The secret is
// shown once and never stored.
type RefreshToken struct {
	TokenID   string    `json:"token_id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RefreshRequest struct {
	Email   string `json:"email"`
	TokenID string `json:"token_id"`
	Secret  string `json:"secret"`
}

type RefreshResponse struct {
	AccessToken     string       `json:"access_token"`
	AccessExpiresAt time.Time    `json:"access_expires_at"`
	Refresh         RefreshToken `json:"refresh"`
}

type MeResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	TokenID  string `json:"token_id"`
}

type Session struct {
	TokenID   string    `json:"token_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type RevokeSessionRequest struct {
	TokenID string `json:"token_id"`
}

// ResetPasswordRequest starts a reset for Email, or for the caller when Email
// is empty and a bearer token is present.
type ResetPasswordRequest struct {
	Email string `json:"email,omitempty"`
}

type ChangePasswordRequest struct {
	Email           string `json:"email,omitempty"`
	Code            string `json:"code"`
	NewPassword     string `json:"new_password"`
	RevokeAllTokens bool   `json:"revoke_all_tokens"`
}
