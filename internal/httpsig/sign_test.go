package httpsig

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/require"
)

func TestSignRequest(t *testing.T) {
	require := require.New(t)
	req, err := http.NewRequest("GET", "https://example.com/users/foo", nil)
	require.NoError(err)
	req.Header.Set("Accept", "application/ld+json")

	const keyID = "https://example.com#main-key"
	privatekey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	pubKey := &privatekey.PublicKey

	err = Sign(req, keyID, privatekey, nil)
	require.NoError(err)

	verifier, err := httpsig.NewVerifier(req)
	require.NoError(err)
	require.Equal(keyID, verifier.KeyId())
	err = verifier.Verify(pubKey, httpsig.RSA_SHA256)
	require.NoError(err, "req.Signature: %s", req.Header.Get("Signature"))
}

func TestSignThenVerify(t *testing.T) {
	require := require.New(t)
	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://example.com/inbox", bytes.NewReader(body))
	require.NoError(err)
	req.Header.Set("Content-Type", "application/activity+json")

	const keyID = "https://example.com/users/foo#main-key"
	privatekey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	err = Sign(req, keyID, privatekey, body)
	require.NoError(err)
	require.NotEmpty(req.Header.Get("Digest"))

	err = Verify(req, body, func(id string) (crypto.PublicKey, error) {
		require.Equal(keyID, id)
		return &privatekey.PublicKey, nil
	})
	require.NoError(err)
}

func TestVerifyRejectsUnsignedRequest(t *testing.T) {
	require := require.New(t)
	req, err := http.NewRequest("POST", "https://example.com/inbox", nil)
	require.NoError(err)

	err = Verify(req, nil, func(id string) (crypto.PublicKey, error) {
		t.Fatal("keyFn should not be called")
		return nil, nil
	})
	require.Error(err)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	require := require.New(t)
	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://example.com/inbox", bytes.NewReader(body))
	require.NoError(err)

	const keyID = "https://example.com/users/foo#main-key"
	privatekey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	err = Sign(req, keyID, privatekey, body)
	require.NoError(err)

	// a replay that keeps the signed headers but swaps the payload
	forged := []byte(`{"type":"Delete","object":"https://example.com/notes/1"}`)
	err = Verify(req, forged, func(id string) (crypto.PublicKey, error) {
		return &privatekey.PublicKey, nil
	})
	require.Error(err)
}

func TestVerifyRequiresDigestOnPost(t *testing.T) {
	require := require.New(t)
	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://example.com/inbox", bytes.NewReader(body))
	require.NoError(err)

	const keyID = "https://example.com/users/foo#main-key"
	privatekey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	// a GET style signature covers no digest; it must not authenticate
	// a POST even over the original body
	req.Method = "GET"
	err = Sign(req, keyID, privatekey, nil)
	require.NoError(err)
	req.Method = "POST"

	err = Verify(req, body, func(id string) (crypto.PublicKey, error) {
		return &privatekey.PublicKey, nil
	})
	require.Error(err)
}
