package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Keyring stores root HMAC keys and the id of the key used for new signatures.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for HMAC signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, errors.New("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id %q is not configured", activeKeyID)
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Sign signs a stream's chain hash with the active key and returns the
// signature and key id.
func (k *Keyring) Sign(streamID, chainHash string) (string, string, error) {
	if k == nil {
		return "", "", errors.New("hmac keyring is not configured")
	}
	key, err := streamKey(k.keys[k.activeKeyID], streamID)
	if err != nil {
		return "", "", err
	}
	return hmacHex(key, chainHash), k.activeKeyID, nil
}

// Verify checks a chain hash signature made by any key in the ring, so
// events signed before a key rotation stay verifiable.
func (k *Keyring) Verify(streamID, chainHash, signature, keyID string) error {
	if k == nil {
		return errors.New("hmac keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return errors.New("signature key id is required")
	}
	root, ok := k.keys[keyID]
	if !ok {
		return fmt.Errorf("signature key id %q is unknown", keyID)
	}
	key, err := streamKey(root, streamID)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(hmacHex(key, chainHash)), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func streamKey(root []byte, streamID string) ([]byte, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	key, err := hkdf.Key(sha256.New, root, nil, "study:"+streamID, 32)
	if err != nil {
		return nil, fmt.Errorf("derive stream key: %w", err)
	}
	return key, nil
}

func hmacHex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
