// Package credentials issues the temporary credentials handed to a worker
// with each claim.
package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	certificateVersion = 1
	// Credentials become valid slightly in the past to absorb clock skew.
	clockSkew = 5 * time.Minute
	hkdfInfo  = "taskqueue temporary credentials v1"
)

var (
	ErrInvalidCertificate = errors.New("credentials: invalid certificate")
	ErrExpired            = errors.New("credentials: outside validity window")
)

type Request struct {
	ClientID string
	Scopes   []string
	Start    time.Time
	Expiry   time.Time
}

type Credentials struct {
	ClientID    string `json:"clientId"`
	AccessToken string `json:"accessToken"`
	Certificate string `json:"certificate"`
}

// Issuer produces credentials for a request. Implementations must honour the
// requested expiry.
type Issuer interface {
	Issue(ctx context.Context, req Request) (Credentials, error)
}

type certificate struct {
	Version   int      `json:"version"`
	Scopes    []string `json:"scopes"`
	Start     int64    `json:"start"`
	Expiry    int64    `json:"expiry"`
	Seed      string   `json:"seed"`
	Signature string   `json:"signature"`
	Issuer    string   `json:"issuer"`
}

// TempIssuer signs certificates with a key derived from the issuer's secret.
// The access token is derived from a random seed, so it is never stored.
type TempIssuer struct {
	issuer string
	key    []byte
	now    func() time.Time
}

type Option func(*TempIssuer)

func WithClock(now func() time.Time) Option {
	return func(t *TempIssuer) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTempIssuer(issuerClientID, secret string, opts ...Option) (*TempIssuer, error) {
	issuerClientID = strings.TrimSpace(issuerClientID)
	if issuerClientID == "" {
		return nil, fmt.Errorf("issuer client id is required")
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("issuer secret must be at least 16 characters")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(issuerClientID), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	t := &TempIssuer{issuer: issuerClientID, key: key, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *TempIssuer) Issue(_ context.Context, req Request) (Credentials, error) {
	if req.Expiry.IsZero() {
		return Credentials{}, fmt.Errorf("expiry is required")
	}
	start := req.Start
	if start.IsZero() {
		start = t.now()
	}
	start = start.Add(-clockSkew)
	if !req.Expiry.After(start) {
		return Credentials{}, fmt.Errorf("expiry %s is before start %s", req.Expiry, start)
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = t.issuer
	}

	scopes := slices.Clone(req.Scopes)
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)
	cert := certificate{
		Version: certificateVersion,
		Scopes:  scopes,
		Start:   start.UnixMilli(),
		Expiry:  req.Expiry.UnixMilli(),
		Seed:    newSeed(),
		Issuer:  t.issuer,
	}
	cert.Signature = t.sign(clientID, cert)
	raw, err := json.Marshal(cert)
	if err != nil {
		return Credentials{}, fmt.Errorf("encode certificate: %w", err)
	}
	return Credentials{
		ClientID:    clientID,
		AccessToken: t.accessToken(cert.Seed),
		Certificate: string(raw),
	}, nil
}

// Verify checks signature, access token and validity window, and returns the
// scopes the credentials carry.
func (t *TempIssuer) Verify(creds Credentials) ([]string, error) {
	var cert certificate
	if err := json.Unmarshal([]byte(creds.Certificate), &cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if cert.Version != certificateVersion || cert.Issuer != t.issuer {
		return nil, fmt.Errorf("%w: unknown version or issuer", ErrInvalidCertificate)
	}
	if !hmac.Equal([]byte(cert.Signature), []byte(t.sign(creds.ClientID, cert))) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidCertificate)
	}
	if !hmac.Equal([]byte(creds.AccessToken), []byte(t.accessToken(cert.Seed))) {
		return nil, fmt.Errorf("%w: bad access token", ErrInvalidCertificate)
	}
	now := t.now().UnixMilli()
	if now < cert.Start || now > cert.Expiry {
		return nil, ErrExpired
	}
	return cert.Scopes, nil
}

func (t *TempIssuer) sign(clientID string, cert certificate) string {
	lines := []string{
		"version:" + strconv.Itoa(cert.Version),
		"clientId:" + clientID,
		"seed:" + cert.Seed,
		"start:" + strconv.FormatInt(cert.Start, 10),
		"expiry:" + strconv.FormatInt(cert.Expiry, 10),
		"scopes:",
	}
	lines = append(lines, cert.Scopes...)
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (t *TempIssuer) accessToken(seed string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(seed))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newSeed() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

var _ Issuer = (*TempIssuer)(nil)
