package httpsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Verify verifies the Signature header of the request against body,
// the request payload the caller has already consumed. keyFn maps the
// keyId named in the header to a public key; fetching and caching the
// key is the caller's problem.
//
// A POST signature must cover a Digest header, and that header must
// match the SHA-256 of body. Without that check the signature only
// binds the headers and a captured request could be replayed with a
// different payload.
func Verify(req *http.Request, body []byte, keyFn func(keyID string) (crypto.PublicKey, error)) error {
	sigHeader := req.Header.Get("Signature")
	if sigHeader == "" {
		return errors.New("Signature header is missing")
	}

	var (
		pubKey  crypto.PublicKey
		algo    string
		sig     []byte
		headers []string
		err     error
	)
	for _, part := range strings.Split(sigHeader, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("malformed signature part: %s", part)
		}
		switch k {
		case "keyId":
			keyID := strings.Trim(v, "\"")
			pubKey, err = keyFn(keyID)
			if err != nil {
				return fmt.Errorf("resolving key %s: %w", keyID, err)
			}
		case "algorithm":
			algo = strings.Trim(v, "\"")
		case "headers":
			headers = strings.Split(strings.Trim(v, "\""), " ")
		case "signature":
			sig, err = base64.StdEncoding.DecodeString(strings.Trim(v, "\""))
			if err != nil {
				return err
			}
		case "created", "expires":
			// tolerated, not part of the signed string we reconstruct
		default:
			return fmt.Errorf("unknown signature part: %s", part)
		}
	}

	if req.Method == "POST" {
		signed := false
		for _, h := range headers {
			if strings.EqualFold(h, "digest") {
				signed = true
			}
		}
		if !signed {
			return errors.New("POST signature does not cover a digest")
		}
		if req.Header.Get("Digest") != digestHeader(body) {
			return errors.New("Digest header does not match the request body")
		}
	}

	var sb strings.Builder
	for _, header := range headers {
		switch header {
		case RequestTarget:
			sb.WriteString("(request-target): ")
			sb.WriteString(strings.ToLower(req.Method))
			sb.WriteString(" ")
			sb.WriteString(req.URL.Path)

			if req.URL.RawQuery != "" {
				sb.WriteString("?")
				sb.WriteString(req.URL.RawQuery)
			}
		case "Host", "host":
			sb.WriteString("host: ")
			sb.WriteString(req.Host)
		case "Date", "date":
			sb.WriteString("date: ")
			sb.WriteString(req.Header.Get("Date"))
		case "Accept", "accept":
			sb.WriteString("accept: ")
			sb.WriteString(req.Header.Get("Accept"))
		case "Digest", "digest":
			sb.WriteString("digest: ")
			sb.WriteString(req.Header.Get("Digest"))
		case "Content-Type", "content-type":
			sb.WriteString("content-type: ")
			sb.WriteString(req.Header.Get("Content-Type"))
		default:
			return fmt.Errorf("unknown header to sign: %s", header)
		}
		sb.WriteString("\n")
	}
	hash := sha256.New()
	io.WriteString(hash, strings.TrimRight(sb.String(), "\n")) // remove trailing newline
	digest := hash.Sum(nil)

	switch algo {
	case "rsa-sha256", "hs2019":
		return rsaVerify(pubKey, digest, sig)
	default:
		return fmt.Errorf("unknown algorithm: %s", algo)
	}
}

func rsaVerify(pubKey crypto.PublicKey, digest, sig []byte) error {
	key, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("expected *rsa.PublicKey, got %T", pubKey)
	}
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig)
}
