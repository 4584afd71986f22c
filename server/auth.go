package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerAPIKey       = "X-API-Key"
	headerAPISignature = "X-API-Signature"
	headerAPITimestamp = "X-API-Timestamp"

	defaultSkew = 5 * time.Minute
)

// apiKeySecret stores secret material for authenticated clients.
type apiKeySecret struct {
	Key    string
	Secret []byte
}

// apiAuth verifies the shared-secret request signature scheme: the client
// signs method, path, body digest and a unix timestamp with its secret.
type apiAuth struct {
	keys  map[string]apiKeySecret
	skew  time.Duration
	nowFn func() time.Time
}

func newAPIAuth(apiKeys map[string]string, skew time.Duration) (*apiAuth, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("at least one API key required")
	}
	secrets := make(map[string]apiKeySecret, len(apiKeys))
	for key, secret := range apiKeys {
		trimmedKey := strings.TrimSpace(key)
		trimmedSecret := strings.TrimSpace(secret)
		if trimmedKey == "" || trimmedSecret == "" {
			return nil, fmt.Errorf("invalid API key entry for %q", key)
		}
		secrets[trimmedKey] = apiKeySecret{Key: trimmedKey, Secret: []byte(trimmedSecret)}
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	return &apiAuth{keys: secrets, skew: skew, nowFn: time.Now}, nil
}

// authenticate checks the signature headers against the raw request body and
// returns the matched key. The timestamp must fall inside the skew window.
func (a *apiAuth) authenticate(r *http.Request, body []byte) (apiKeySecret, error) {
	key := strings.TrimSpace(r.Header.Get(headerAPIKey))
	signature := strings.TrimSpace(r.Header.Get(headerAPISignature))
	tsRaw := strings.TrimSpace(r.Header.Get(headerAPITimestamp))
	if key == "" || signature == "" || tsRaw == "" {
		return apiKeySecret{}, errors.New("missing authentication headers")
	}
	secret, ok := a.keys[key]
	if !ok {
		return apiKeySecret{}, errors.New("unknown API key")
	}
	ts, err := parseUnixTimestamp(tsRaw)
	if err != nil {
		return apiKeySecret{}, err
	}
	now := a.nowFn().UTC()
	if ts.Before(now.Add(-a.skew)) || ts.After(now.Add(a.skew)) {
		return apiKeySecret{}, errors.New("timestamp outside acceptable skew")
	}
	expected := computeSignature(secret.Secret, r.Method, r.URL.Path, body, tsRaw)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return apiKeySecret{}, errors.New("invalid signature")
	}
	return secret, nil
}

func computeSignature(secret []byte, method, path string, body []byte, ts string) string {
	sum := sha256.Sum256(body)
	message := fmt.Sprintf("%s\n%s\n%s\n%s", method, path, hex.EncodeToString(sum[:]), ts)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseUnixTimestamp(raw string) (time.Time, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return time.Unix(seconds, 0).UTC(), nil
}
