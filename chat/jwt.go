package chat

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the claims of a session token the client uses.
// the token is verified by the server; the client only reads it.
type SessionJwt struct {
	IdentityId string
	AppId      string
	// zero if the token does not expire
	ExpiresAt time.Time
}

func (self *SessionJwt) IsExpired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

func ParseSessionJwtUnverified(sessionToken string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(sessionToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}

	if identityId, ok := claims["identity_id"].(string); ok {
		sessionJwt.IdentityId = identityId
	} else if sub, err := claims.GetSubject(); err == nil {
		sessionJwt.IdentityId = sub
	}
	if appId, ok := claims["app_id"].(string); ok {
		sessionJwt.AppId = appId
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sessionJwt.ExpiresAt = exp.Time
	}

	return sessionJwt, nil
}
