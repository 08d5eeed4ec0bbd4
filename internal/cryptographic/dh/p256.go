package dh

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Curve is the curve every key pair in the system lives on.
func Curve() ecdh.Curve {
	return ecdh.P256()
}

// NewP256KeyPair generates a key pair suitable for ECDH key agreement.
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

func MarshalSPKI(pub *ecdh.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

func MarshalPKCS8(priv *ecdh.PrivateKey) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(priv)
}

// ParseSPKI parses a DER SPKI public key and insists it is on P-256.
func ParseSPKI(der []byte) (*ecdh.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve: %s", k.Curve.Params().Name)
		}
		return k.ECDH()
	case *ecdh.PublicKey:
		if k.Curve() != Curve() {
			return nil, fmt.Errorf("unsupported curve")
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

// ParsePKCS8 parses a DER PKCS8 private key and insists it is on P-256.
func ParsePKCS8(der []byte) (*ecdh.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve: %s", k.Curve.Params().Name)
		}
		return k.ECDH()
	case *ecdh.PrivateKey:
		if k.Curve() != Curve() {
			return nil, fmt.Errorf("unsupported curve")
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

// SharedSecret performs priv * pub.
func SharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(pub)
}

// MarshalJWK encodes pub as a JSON Web Key, the form browsers import with Web Crypto.
func MarshalJWK(pub *ecdh.PublicKey) ([]byte, error) {
	der, err := MarshalSPKI(pub)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}

	jwk := jose.JSONWebKey{
		Key:       key,
		Algorithm: "ECDH-ES",
		Use:       "enc",
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("invalid jwk")
	}
	return json.Marshal(jwk)
}

// ParseJWK decodes a public JSON Web Key produced by MarshalJWK or a browser.
func ParseJWK(data []byte) (*ecdh.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to parse jwk: %w", err)
	}
	if !jwk.IsPublic() {
		return nil, fmt.Errorf("jwk is not a public key")
	}

	switch k := jwk.Key.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve: %s", k.Curve.Params().Name)
		}
		return k.ECDH()
	case *ecdh.PublicKey:
		if k.Curve() != Curve() {
			return nil, fmt.Errorf("unsupported curve")
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", jwk.Key)
	}
}
