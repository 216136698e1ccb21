package affiliate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Signer produces request signatures for the affiliate API.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer keyed by the API secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns base64(hex(HMAC-SHA256(secret, requestPath+method+timestamp+nonce+body))).
// requestPath must be the exact path and query string sent on the wire.
func (s *Signer) Sign(requestPath, method, timestamp, nonce, body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(requestPath + method + timestamp + nonce + body))
	hexDigest := hex.EncodeToString(mac.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(hexDigest))
}
