package activitypub

import (
	"context"
	"crypto"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/requests"
	"github.com/go-json-experiment/json"

	"github.com/solopub/solopub/internal/httpsig"
	"github.com/solopub/solopub/models"
)

// Client is an ActivityPub client which fetches and delivers resources with
// signed requests.
type Client struct {
	keyID      string
	privateKey crypto.PrivateKey
}

// NewClient returns a client that signs as the given account.
func NewClient(account *models.Account) (*Client, error) {
	privateKey, err := account.PrivKey()
	if err != nil {
		return nil, err
	}
	return &Client{
		keyID:      account.PublicKeyID(),
		privateKey: privateKey,
	}, nil
}

// Fetch fetches the ActivityPub resource at the given URL and decodes it into
// the given object.
func (c *Client) Fetch(ctx context.Context, uri string, obj any) error {
	return requests.URL(uri).
		Accept(`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`).
		Transport(requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			if err := httpsig.Sign(req, c.keyID, c.privateKey, nil); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
			return http.DefaultTransport.RoundTrip(req)
		})).
		CheckContentType(
			"application/ld+json",
			"application/activity+json",
			"application/json",
			"application/octet-stream", // sigh
		).
		CheckStatus(http.StatusOK).
		ToJSON(obj).
		Fetch(ctx)
}

// Deliver posts the given activity to the given inbox. It returns the
// response status and body so callers can record delivery outcomes; err is
// non-nil only when no response was received at all.
func (c *Client) Deliver(ctx context.Context, inbox string, activity map[string]any) (int, string, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return 0, "", err
	}
	var status int
	var respBody string
	err = requests.URL(inbox).
		BodyBytes(body).
		Header("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`).
		Transport(requests.RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			if err := httpsig.Sign(req, c.keyID, c.privateKey, body); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
			return http.DefaultTransport.RoundTrip(req)
		})).
		AddValidator(func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		}).
		ToString(&respBody).
		Fetch(ctx)
	if err != nil {
		return 0, "", err
	}
	return status, respBody, nil
}
