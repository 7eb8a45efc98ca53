package reader

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"
)

// SignInput is the request material a venue signs.
type SignInput struct {
	Method    string
	Path      string
	RawQuery  string
	Body      []byte
	Timestamp time.Time
}

// Signed is what a signer adds to an outgoing request. RawQuery replaces
// the request query string.
type Signed struct {
	RawQuery string
	Header   http.Header
}

// Signer produces venue specific authentication for REST calls.
type Signer interface {
	Sign(in SignInput) (Signed, error)
}

// HMACHex returns the hex encoded HMAC-SHA256 of payload.
func HMACHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACBase64 returns the base64 encoded HMAC-SHA256 of payload.
func HMACBase64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
