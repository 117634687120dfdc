package integrity

import (
	"fmt"
	"os"
	"strings"
)

const (
	envHMACKeys  = "CLINOPS_STUDY_EVENT_HMAC_KEYS"
	envHMACKey   = "CLINOPS_STUDY_EVENT_HMAC_KEY"
	envHMACKeyID = "CLINOPS_STUDY_EVENT_HMAC_KEY_ID"
	defaultKeyID = "v1"
)

// KeyringFromEnv loads the keyring from the environment. It returns a nil
// keyring and no error when no key is configured; journals then store
// unsigned chains.
//
// CLINOPS_STUDY_EVENT_HMAC_KEYS takes "id=secret" pairs separated by commas;
// CLINOPS_STUDY_EVENT_HMAC_KEY is a single secret registered under the
// active key id.
func KeyringFromEnv() (*Keyring, error) {
	keyID := strings.TrimSpace(os.Getenv(envHMACKeyID))
	if keyID == "" {
		keyID = defaultKeyID
	}

	spec := strings.TrimSpace(os.Getenv(envHMACKeys))
	if spec == "" {
		raw := strings.TrimSpace(os.Getenv(envHMACKey))
		if raw == "" {
			return nil, nil
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", envHMACKeys)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
