package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignatureEncoding is how a platform prints the HMAC digest in its header.
type SignatureEncoding int

const (
	SignatureHex SignatureEncoding = iota
	SignatureBase64
)

// SignHMAC returns the HMAC-SHA256 of body under secret in the given encoding.
func SignHMAC(secret string, body []byte, enc SignatureEncoding) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	if enc == SignatureBase64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// VerifyHMAC reports whether got is the HMAC-SHA256 of body under secret.
// Missing secrets and undecodable signatures are invalid; it never panics.
func VerifyHMAC(secret string, body []byte, got string, enc SignatureEncoding) bool {
	if secret == "" {
		return false
	}
	got = strings.TrimSpace(got)
	if got == "" {
		return false
	}
	var (
		provided []byte
		err      error
	)
	switch enc {
	case SignatureBase64:
		provided, err = base64.StdEncoding.DecodeString(got)
	default:
		provided, err = hex.DecodeString(strings.ToLower(got))
	}
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// StripSignaturePrefix removes an algorithm prefix such as "sha256=".
// It returns "" when the header names a different algorithm.
func StripSignaturePrefix(header, algo string) string {
	header = strings.TrimSpace(header)
	prefix := algo + "="
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return ""
	}
	return header[len(prefix):]
}
