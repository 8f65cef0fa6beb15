// Package signing implements the request signature scheme that protects the
// augmentation endpoint: an HMAC-SHA256 over the method, path, a second
// precision UTC timestamp and the SHA-256 of the exact body bytes.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// TimestampFormat is fixed; verification rejects any other layout.
	TimestampFormat = "2006-01-02T15:04:05Z"

	DefaultWindow = 5 * time.Minute
)

// Signature is what a client attaches to a request.
type Signature struct {
	Timestamp string
	Value     string
}

// BodyHash returns the hex SHA-256 of the bytes as transmitted.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString joins the signed fields in their fixed order.
func CanonicalString(method, path, timestamp, bodyHash string) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + bodyHash
}

func mac(canonical, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(canonical))
	return hex.EncodeToString(m.Sum(nil))
}

// Sign produces the timestamp and signature headers for a request.
func Sign(method, path string, now func() time.Time, body []byte, secret string) Signature {
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(TimestampFormat)
	return Signature{
		Timestamp: ts,
		Value:     mac(CanonicalString(method, path, ts, BodyHash(body)), secret),
	}
}

// Verify reports whether signature authenticates the request. The freshness
// check and the signature check are evaluated independently and collapse into
// a single boolean so callers cannot tell which one failed.
func Verify(method, path, timestamp, signature string, body []byte, secret string, now func() time.Time, window time.Duration) bool {
	if secret == "" || signature == "" {
		return false
	}
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = DefaultWindow
	}

	fresh := false
	if ts, err := time.Parse(TimestampFormat, timestamp); err == nil {
		skew := now().UTC().Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		fresh = skew <= window
	}

	expected := mac(CanonicalString(method, path, timestamp, BodyHash(body)), secret)
	match := hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))

	return fresh && match
}

// SignRequest sets the signature headers on an outgoing request. body must be
// the exact bytes that will be sent.
func SignRequest(req *http.Request, body []byte, secret string, now func() time.Time) {
	sig := Sign(req.Method, req.URL.Path, now, body, secret)
	req.Header.Set(HeaderTimestamp, sig.Timestamp)
	req.Header.Set(HeaderSignature, sig.Value)
}
