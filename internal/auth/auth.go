package auth

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gavelhouse/bidding-engine/pkg/errors"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/crypto/hkdf"
)

const sessionCookie = "authjs.session-token"

// Authenticator validates Auth.js session cookies issued by the web
// frontend. The session token is a JWE; we derive the content key the
// same way Auth.js does and re-sign the claims as a plain JWT for
// validation.
type Authenticator struct {
	secret []byte
}

func New(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New(errors.ErrInternalServer, "auth secret not configured")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

func (a *Authenticator) encryptionKey() ([]byte, error) {
	salt := sessionCookie
	info := fmt.Sprintf("Auth.js Generated Encryption Key (%s)", salt)

	// HKDF with SHA-256, 32 bytes for A256GCM
	kdf := hkdf.New(sha256.New, a.secret, []byte(salt), []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive encryption key")
	}
	return key, nil
}

func (a *Authenticator) jweToJwt(encryptedToken string) (string, error) {
	key, err := a.encryptionKey()
	if err != nil {
		return "", err
	}

	// Decrypt JWE using DIRECT key encryption
	decrypted, err := jwe.Decrypt([]byte(encryptedToken),
		jwe.WithKey(jwa.DIRECT(), key))
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt session token")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(decrypted, &payload); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal session payload")
	}

	token := jwt.New()
	for k, v := range payload {
		token.Set(k, v)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign session claims")
	}

	return string(signed), nil
}

// ValidateRequest extracts and validates the session token from the
// request cookie, returning the verified claims.
func (a *Authenticator) ValidateRequest(r *http.Request) (jwt.Token, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, errors.New(errors.ErrInvalidToken, "missing session token cookie")
	}

	jwtString, err := a.jweToJwt(cookie.Value)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse([]byte(jwtString),
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate session token")
	}

	if exp, ok := token.Expiration(); ok && exp.Before(time.Now()) {
		return nil, errors.New(errors.ErrInvalidToken, "session token expired")
	}

	return token, nil
}
