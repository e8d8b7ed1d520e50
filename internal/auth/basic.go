package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
)

type BasicAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string
}

// NewBasicAuthEngine creates a new BasicAuthEngine with the given access key ID
// and secret access key.
func NewBasicAuthEngine(accessKeyID string, secretAccessKey string) (*BasicAuthEngine, error) {
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, errors.New("basic auth needs both an access key and a secret key")
	}

	return &BasicAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}, nil
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.AccessKeyID)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.SecretAccessKey)) == 1
	if !userOK || !passOK {
		return nil, nil
	}

	return &User{
		AccessKeyID: user,
	}, nil
}
