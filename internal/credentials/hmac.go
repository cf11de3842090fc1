package credentials

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidHMACKey is returned when interoperability keys are incomplete.
var ErrInvalidHMACKey = errors.New("invalid HMAC key")

// HMACKey is an access/secret pair for the S3-compatible XML API.
type HMACKey struct {
	AccessKey string
	SecretKey string
}

// ParseHMACKey validates an access/secret pair.
func ParseHMACKey(accessKey, secretKey string) (HMACKey, error) {
	if accessKey == "" {
		return HMACKey{}, fmt.Errorf("%w: missing access key", ErrInvalidHMACKey)
	}
	if secretKey == "" {
		return HMACKey{}, fmt.Errorf("%w: missing secret key", ErrInvalidHMACKey)
	}
	return HMACKey{AccessKey: accessKey, SecretKey: secretKey}, nil
}

func (k HMACKey) String() string {
	return fmt.Sprintf("hmac(%s)", k.AccessKey)
}

func (k HMACKey) LogValue() slog.Value {
	return slog.GroupValue(slog.String("access_key", k.AccessKey))
}
