// Package auth supplies Authorization headers for generated requests, either
// from a fixed bearer token or from an OAuth2 token endpoint.
package auth

import (
	"context"
	"net/http"
)

// Provider obtains tokens and applies them to request headers.
type Provider interface {
	// Token returns a valid access token, fetching one when the cached
	// token is missing or close to expiry.
	Token(ctx context.Context) (string, error)
	// Apply sets the Authorization header.
	Apply(ctx context.Context, header http.Header) error
	Close() error
}

// StaticProvider hands out a token obtained outside the tool.
type StaticProvider struct {
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Token(context.Context) (string, error) { return p.token, nil }

func (p *StaticProvider) Apply(_ context.Context, header http.Header) error {
	header.Set("Authorization", "Bearer "+p.token)
	return nil
}

func (p *StaticProvider) Close() error { return nil }
