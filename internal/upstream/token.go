package upstream

import (
	"context"
	"fmt"

	"cloud.google.com/go/auth/credentials"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// DefaultTokenSource builds a TokenSource from ambient credentials (service
// account file, user credentials, or the metadata server). Used when the
// upstream URL is configured without a static API key.
func DefaultTokenSource() (TokenSource, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{cloudPlatformScope},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream credentials: %w", err)
	}
	return func(ctx context.Context) (string, error) {
		tok, err := creds.Token(ctx)
		if err != nil {
			return "", err
		}
		return tok.Value, nil
	}, nil
}
