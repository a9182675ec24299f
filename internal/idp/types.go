package idp

// TokenResponse is the typed shape of the IdP token endpoint response,
// shared by the refresh_token and authorization_code grants.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	SessionState     string `json:"session_state,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// Introspection is the typed shape of the token introspection response.
// Keycloak reports the session under "sid" on recent versions and under
// "session_state" on older ones; SessionID prefers the former.
type Introspection struct {
	Active            bool   `json:"active"`
	Sub               string `json:"sub,omitempty"`
	Sid               string `json:"sid,omitempty"`
	SessionState      string `json:"session_state,omitempty"`
	Exp               int64  `json:"exp,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Scope             string `json:"scope,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
}

// SessionID returns the IdP session identifier for the introspected token.
func (i *Introspection) SessionID() string {
	if i.Sid != "" {
		return i.Sid
	}
	return i.SessionState
}

// Userinfo carries the identity claims returned by the userinfo endpoint.
type Userinfo struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
}

// idpError is the error body the IdP attaches to non-2xx responses.
type idpError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
