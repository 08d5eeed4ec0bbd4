package e2ee

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"e2e_call/internal/cryptographic/dh"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*SharedKey, *SharedKey) {
	t.Helper()
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedKey(a, b.PublicKey())
	require.NoError(t, err)
	ba, err := DeriveSharedKey(b, a.PublicKey())
	require.NoError(t, err)
	return ab, ba
}

func TestRoundTrip_AcrossPeers(t *testing.T) {
	ab, ba := pair(t)

	for _, plain := range []string{"", "hi", "Backend Engineer ✓", string(make([]byte, 4096))} {
		p, err := EncryptMessage(plain, ab)
		require.NoError(t, err)

		got, err := DecryptMessage(p.Ciphertext, p.IV, ba)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestDeriveSharedKey_Symmetric(t *testing.T) {
	ab, ba := pair(t)
	assert.Equal(t, ab.key, ba.key)
	assert.Len(t, ab.key, 32)
}

func TestEncryptMessage_FreshIV(t *testing.T) {
	ab, ba := pair(t)

	p1, err := EncryptMessage("same", ab)
	require.NoError(t, err)
	p2, err := EncryptMessage("same", ab)
	require.NoError(t, err)

	assert.NotEqual(t, p1.IV, p2.IV)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)

	iv, err := base64.StdEncoding.DecodeString(p1.IV)
	require.NoError(t, err)
	assert.Len(t, iv, 12)

	for _, p := range []struct{ ct, iv string }{{p1.Ciphertext, p1.IV}, {p2.Ciphertext, p2.IV}} {
		got, err := DecryptMessage(p.ct, p.iv, ba)
		require.NoError(t, err)
		assert.Equal(t, "same", got)
	}
}

func flipBit(t *testing.T, b64 string, bit int) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	raw[bit/8] ^= 1 << (bit % 8)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecryptMessage_TamperDetection(t *testing.T) {
	ab, ba := pair(t)
	p, err := EncryptMessage("transfer 100", ab)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	require.NoError(t, err)
	for bit := 0; bit < len(raw)*8; bit += 3 {
		_, err := DecryptMessage(flipBit(t, p.Ciphertext, bit), p.IV, ba)
		require.ErrorIs(t, err, ErrDecryption, "ciphertext bit %d", bit)
	}
	for bit := 0; bit < 96; bit++ {
		_, err := DecryptMessage(p.Ciphertext, flipBit(t, p.IV, bit), ba)
		require.ErrorIs(t, err, ErrDecryption, "iv bit %d", bit)
	}
}

func TestDecryptMessage_WrongKeyAndGarbage(t *testing.T) {
	ab, _ := pair(t)
	other, _ := pair(t)

	p, err := EncryptMessage("secret", ab)
	require.NoError(t, err)

	_, err = DecryptMessage(p.Ciphertext, p.IV, other)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = DecryptMessage("%%%", p.IV, ab)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = DecryptMessage(p.Ciphertext, "AAAA", ab)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = DecryptMessage(p.Ciphertext, p.IV, nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestExportImport(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pubStr, err := ExportPublicKey(priv.PublicKey())
	require.NoError(t, err)
	privStr, err := ExportPrivateKey(priv)
	require.NoError(t, err)

	pub, err := ImportPublicKey(pubStr)
	require.NoError(t, err)
	assert.True(t, pub.Equal(priv.PublicKey()))

	priv2, err := ImportPrivateKey(privStr)
	require.NoError(t, err)
	assert.True(t, priv2.Equal(priv))
}

func TestImport_KeyFormatError(t *testing.T) {
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&p384.PublicKey)
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":  "***",
		"not der":     base64.StdEncoding.EncodeToString([]byte("hello")),
		"wrong curve": base64.StdEncoding.EncodeToString(der),
		"empty":       "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ImportPublicKey(in)
			require.ErrorIs(t, err, ErrKeyFormat)
			var kfe *KeyFormatError
			require.ErrorAs(t, err, &kfe)
			assert.Equal(t, "public", kfe.Kind)

			_, err = ImportPrivateKey(in)
			require.ErrorIs(t, err, ErrKeyFormat)
		})
	}
}

func TestSharedKey_NotExtractable(t *testing.T) {
	ab, _ := pair(t)
	_, err := json.Marshal(ab)
	require.Error(t, err)
	assert.Equal(t, "SharedKey(redacted)", ab.String())
}

func TestExportPublicKeyJWK(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data, err := ExportPublicKeyJWK(priv.PublicKey())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "EC", fields["kty"])
	assert.Equal(t, "P-256", fields["crv"])
	assert.NotContains(t, fields, "d")

	pub, err := dh.ParseJWK(data)
	require.NoError(t, err)
	assert.True(t, pub.Equal(priv.PublicKey()))
}

func TestFingerprint_Stable(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := ExportPublicKey(priv.PublicKey())
	require.NoError(t, err)

	f1, err := Fingerprint(pub)
	require.NoError(t, err)
	f2, err := Fingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
	assert.Len(t, f1, 64)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported())
}
