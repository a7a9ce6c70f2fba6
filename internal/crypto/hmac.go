package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// BitfinexAuth holds the credentials for authenticated Bitfinex v2 REST
// requests.
type BitfinexAuth struct {
	Key    string
	Secret string
}

// Headers returns the HTTP headers for an authenticated request to path
// (e.g. "/api/v2/auth/w/order/submit") with the given JSON body. The
// signature is hex(HMAC-SHA384(secret, path+nonce+body)).
//
// Returned header keys:
//   - bfx-nonce
//   - bfx-apikey
//   - bfx-signature
func (a *BitfinexAuth) Headers(path, body string) map[string]string {
	return a.HeadersAt(path, body, currentNonce())
}

// HeadersAt is like Headers but lets the caller supply the nonce (useful for
// deterministic testing).
func (a *BitfinexAuth) HeadersAt(path, body, nonce string) map[string]string {
	return map[string]string{
		"bfx-nonce":     nonce,
		"bfx-apikey":    a.Key,
		"bfx-signature": hmacSHA384Hex([]byte(a.Secret), path+nonce+body),
	}
}

// hmacSHA384Hex computes HMAC-SHA384 of message using key and returns the
// lowercase hex digest.
func hmacSHA384Hex(key []byte, message string) string {
	mac := hmac.New(sha512.New384, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// currentNonce returns a strictly increasing-enough nonce: the current Unix
// time in microseconds.
func currentNonce() string {
	return strconv.FormatInt(time.Now().UnixMicro(), 10)
}

// String returns a redacted representation suitable for logging.
func (a *BitfinexAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("BitfinexAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
