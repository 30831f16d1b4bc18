package internal

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"

	"simplepresence/internal/storage"
)

const (
	publicKeyPrefix = "pk_"
	secretPrefix    = "sk_"
	keyLength       = 24
)

// AppCredentials are returned once, when an app is created. Only the hash of
// the secret is stored.
type AppCredentials struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Secret    string `json:"secret"`
}

// CreateApp registers a new app with freshly generated credentials.
func CreateApp(ctx context.Context, store *storage.Store, name string) (AppCredentials, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AppCredentials{}, xerrors.New("app name is required")
	}
	creds := AppCredentials{
		Name:      name,
		PublicKey: publicKeyPrefix + strings.ToLower(generateSecureKey(keyLength)),
		Secret:    secretPrefix + strings.ToLower(generateSecureKey(keyLength)),
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Secret), bcrypt.DefaultCost)
	if err != nil {
		return AppCredentials{}, xerrors.Errorf("hash secret: %w", err)
	}
	if _, err := store.CreateApp(ctx, creds.Name, creds.PublicKey, hash); err != nil {
		return AppCredentials{}, xerrors.Errorf("create app %q: %w", name, err)
	}
	return creds, nil
}

func generateSecureKey(length int) string {
	if length < 8 {
		length = 8
	}
	// base32 encoding yields ~1.6 bytes per char; compute needed bytes
	byteLen := (length * 5) / 8
	if (length*5)%8 != 0 {
		byteLen++
	}
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	// RFC4648 base32 without padding, uppercase A-Z2-7
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(enc) >= length {
		return enc[:length]
	}
	return enc
}
