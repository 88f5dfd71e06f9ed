package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Authorization is the server-side half of a PKCE authorization attempt.
// Verifier and State are parked in a signed cookie until the callback.
type Authorization struct {
	URL         string `json:"url"`
	Verifier    string `json:"verifier"`
	State       string `json:"state"`
	UserID      string `json:"user_id"`
	RedirectURI string `json:"redirect_uri"`
}

// BeginAuthorization issues a fresh verifier/state pair and builds the
// authorization URL with an S256 challenge.
func (m *Manager) BeginAuthorization(userID string) (*Authorization, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	url := m.cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)
	return &Authorization{
		URL:         url,
		Verifier:    verifier,
		State:       state,
		UserID:      userID,
		RedirectURI: m.cfg.RedirectURL,
	}, nil
}

// Exchange redeems an authorization code with its verifier and stores the
// resulting token pair for the user.
func (m *Manager) Exchange(ctx context.Context, userID, code, verifier string) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := m.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	var expiresIn *int
	if !tok.Expiry.IsZero() {
		secs := int(time.Until(tok.Expiry).Seconds())
		expiresIn = &secs
	}
	return m.StoreTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, expiresIn)
}

// --- Signed state cookie ---

// cookieMaxAge bounds how long an authorization attempt may sit between
// start and callback.
const cookieMaxAge = 10 * time.Minute

// ErrBadCookie covers a missing, tampered, or expired state cookie.
var ErrBadCookie = errors.New("oauth: invalid state cookie")

// CookieCodec signs and verifies the PKCE state cookie. The payload rides
// in the cookie itself so no server-side session store is needed.
type CookieCodec struct {
	secret []byte
}

// NewCookieCodec builds a codec over an HMAC secret.
func NewCookieCodec(secret []byte) *CookieCodec {
	return &CookieCodec{secret: secret}
}

type cookiePayload struct {
	Authorization
	IssuedAt int64 `json:"iat"`
}

// Encode serializes and signs an authorization into a cookie value:
// base64url(payload) + "." + base64url(hmac).
func (c *CookieCodec) Encode(a *Authorization) (string, error) {
	body, err := json.Marshal(cookiePayload{Authorization: *a, IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(body)
	return enc + "." + c.sign(enc), nil
}

// Decode verifies the signature and age, returning the parked authorization.
func (c *CookieCodec) Decode(value string) (*Authorization, error) {
	enc, sig, found := strings.Cut(value, ".")
	if !found {
		return nil, ErrBadCookie
	}
	if subtle.ConstantTimeCompare([]byte(c.sign(enc)), []byte(sig)) != 1 {
		return nil, ErrBadCookie
	}

	body, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrBadCookie
	}
	var p cookiePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrBadCookie
	}
	if time.Since(time.Unix(p.IssuedAt, 0)) > cookieMaxAge {
		return nil, ErrBadCookie
	}
	return &p.Authorization, nil
}

func (c *CookieCodec) sign(enc string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(enc))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
