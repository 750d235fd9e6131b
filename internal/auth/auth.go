// Package auth implements login verification and compact HMAC-signed
// bearer tokens. Passwords are checked against a PBKDF2-SHA256 hash when
// one is configured, with a constant-time plain comparison fallback for
// development setups.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Prefix = "pbkdf2_sha256"

type Authenticator struct {
	username     string
	password     string
	passwordHash string
	secret       []byte
	tokenTTL     time.Duration
}

func New(username, password, passwordHash, secret string, tokenTTL time.Duration) *Authenticator {
	return &Authenticator{
		username:     username,
		password:     password,
		passwordHash: passwordHash,
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
	}
}

// Authenticate checks a username/password pair in constant time.
func (a *Authenticator) Authenticate(username, password string) bool {
	if !constantTimeEquals(username, a.username) {
		return false
	}
	if a.passwordHash != "" {
		if !strings.HasPrefix(a.passwordHash, pbkdf2Prefix+"$") {
			return false
		}
		return verifyPBKDF2(password, a.passwordHash)
	}
	return constantTimeEquals(password, a.password)
}

// verifyPBKDF2 checks password against "pbkdf2_sha256$iters$salt$b64digest".
func verifyPBKDF2(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false
	}
	salt, digest := parts[2], parts[3]

	dk := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	candidate := base64.StdEncoding.EncodeToString(dk)
	return constantTimeEquals(candidate, digest)
}

type claims struct {
	Sub   string `json:"sub"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
	Scope string `json:"scope"`
}

// Token is the issued credential returned by the login endpoint.
type Token struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// IssueToken mints a signed bearer token for the subject.
func (a *Authenticator) IssueToken(subject string) Token {
	now := time.Now().UTC()
	payload, _ := json.Marshal(claims{
		Sub:   subject,
		Iat:   now.Unix(),
		Exp:   now.Add(a.tokenTTL).Unix(),
		Scope: "api",
	})

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return Token{
		AccessToken:      encoded + "." + a.sign(encoded),
		TokenType:        "bearer",
		ExpiresInSeconds: int(a.tokenTTL.Seconds()),
	}
}

// VerifyToken validates signature, expiry, and subject, returning the
// authenticated username.
func (a *Authenticator) VerifyToken(token string) (string, error) {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("malformed token")
	}
	if !hmac.Equal([]byte(a.sign(encoded)), []byte(signature)) {
		return "", fmt.Errorf("invalid signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("parse claims: %w", err)
	}
	if c.Sub == "" || !constantTimeEquals(c.Sub, a.username) {
		return "", fmt.Errorf("unknown subject")
	}
	if time.Now().UTC().Unix() >= c.Exp {
		return "", fmt.Errorf("token expired")
	}
	return c.Sub, nil
}

func (a *Authenticator) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func constantTimeEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
