package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignData computes an HMAC-SHA256 signature over data and returns it hex-encoded
func SignData(data string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignedData checks a hex-encoded HMAC-SHA256 signature in constant time
func ValidateSignedData(data, signature string, key []byte) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hmac.Equal(expected, mac.Sum(nil))
}
