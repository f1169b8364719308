// Package gmail reads an account's sent mail through the Gmail API.
package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"helpdesk/apps/backend/features/mailsync"
)

// TokenStore loads and persists the OAuth token of a connected account.
type TokenStore interface {
	GetToken(ctx context.Context, accountID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error
}

// Client builds per-account Gmail providers whose tokens refresh
// transparently and are written back to the TokenStore.
type Client struct {
	oauth  *oauth2.Config
	tokens TokenStore
	opts   []option.ClientOption
}

// NewOAuthConfig is the read-only Gmail consent configuration.
func NewOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
}

func NewClient(cfg *oauth2.Config, tokens TokenStore, opts ...option.ClientOption) *Client {
	return &Client{oauth: cfg, tokens: tokens, opts: opts}
}

func (c *Client) Provider(ctx context.Context, accountID string) (mailsync.MailProvider, error) {
	tok, err := c.tokens.GetToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	src := &notifyTokenSource{
		src:     c.oauth.TokenSource(ctx, tok),
		current: tok,
		onRefresh: func(t *oauth2.Token) error {
			return c.tokens.SaveToken(context.WithoutCancel(ctx), accountID, t)
		},
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, src))}, c.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewProvider(svc), nil
}

// notifyTokenSource reports every token that differs from the last one
// seen, so refreshed access tokens survive the process.
type notifyTokenSource struct {
	mu        sync.Mutex
	src       oauth2.TokenSource
	current   *oauth2.Token
	onRefresh func(*oauth2.Token) error
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.current == nil || s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.onRefresh(t); err != nil {
			slog.Warn("failed to persist refreshed token", "error", err)
		}
	}
	return t, nil
}
