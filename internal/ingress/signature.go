package ingress

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

func hasher(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
}

// ComputeSignature returns the lowercase hex HMAC of payload. The payload must
// be the raw request body, before any parsing.
func ComputeSignature(secret []byte, algorithm string, payload []byte) (string, error) {
	newHash, err := hasher(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature compares received against the expected HMAC in constant
// time. The prefix, when configured, must be present on the received value.
func VerifySignature(secret []byte, algorithm, prefix string, payload []byte, received string) (bool, error) {
	expected, err := ComputeSignature(secret, algorithm, payload)
	if err != nil {
		return false, err
	}

	received = strings.TrimSpace(received)
	if prefix != "" {
		if !strings.HasPrefix(received, prefix) {
			return false, nil
		}
		received = strings.TrimPrefix(received, prefix)
	}

	return hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)), nil
}
