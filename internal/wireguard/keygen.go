package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeyPair generates a new WireGuard key pair
func GenerateKeyPair() (privateKey, publicKey wgtypes.Key, err error) {
	privateKey, err = wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// DerivePublicKey derives the public key from a base64 private key
func DerivePublicKey(privateKey string) (wgtypes.Key, error) {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("invalid private key: %w", err)
	}
	return key.PublicKey(), nil
}

// GeneratePresharedKey generates a preshared key for the peer section
func GeneratePresharedKey() (wgtypes.Key, error) {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("failed to generate preshared key: %w", err)
	}
	return key, nil
}
