package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// CredentialStore is the part of the entity store the provider needs.
type CredentialStore interface {
	GetCredentials(ctx context.Context, user domain.UserID) (domain.Credentials, error)
	SaveGoogleToken(ctx context.Context, user domain.UserID, token string) error
}

// Config holds the OAuth client and API settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timezone     string // used when the user has none stored

	// Endpoint and TokenURL override the Google defaults.
	Endpoint string
	TokenURL string
	// HTTPClient is the base transport for API and token calls.
	HTTPClient *http.Client
}

// Provider implements ports.CalendarProvider.
type Provider struct {
	oauth *oauth2.Config
	cfg   Config
	store CredentialStore
	log   *slog.Logger
}

var _ ports.CalendarProvider = (*Provider)(nil)

func NewProvider(cfg Config, store CredentialStore, log *slog.Logger) *Provider {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{calendar.CalendarScope},
		},
		cfg:   cfg,
		store: store,
		log:   log,
	}
}

// ForUser returns a client for the user's stored token, refreshing it first
// when it expired. A missing token or a failed refresh is
// domain.ErrNotConnected.
func (p *Provider) ForUser(ctx context.Context, user domain.UserID) (ports.CalendarClient, error) {
	creds, err := p.store.GetCredentials(ctx, user)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !creds.Connected()) {
		return nil, fmt.Errorf("user %d: %w", user, domain.ErrNotConnected)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	tok, err := DecodeToken(creds.GoogleToken)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w: %w", user, domain.ErrNotConnected, err)
	}

	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	ts := &persistingSource{
		base:  p.oauth.TokenSource(ctx, tok),
		last:  tok.AccessToken,
		user:  user,
		store: p.store,
		log:   p.log,
		ctx:   ctx,
	}
	if _, err := ts.Token(); err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.Endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}

	tz := creds.Timezone
	if tz == "" {
		tz = p.cfg.Timezone
	}
	return &Client{svc: svc, timezone: tz, log: p.log.With(slog.Int64("user", int64(user)))}, nil
}

// persistingSource writes refreshed tokens back to the credential store.
type persistingSource struct {
	base  oauth2.TokenSource
	user  domain.UserID
	store CredentialStore
	log   *slog.Logger
	ctx   context.Context

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.base.Token()
	if err != nil {
		s.log.Warn("google token refresh failed",
			slog.Int64("user", int64(s.user)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("refresh token: %w: %w", domain.ErrNotConnected, err)
	}
	if tok.AccessToken != s.last {
		blob, err := EncodeToken(tok)
		if err != nil {
			return nil, err
		}
		if err := s.store.SaveGoogleToken(s.ctx, s.user, blob); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		s.last = tok.AccessToken
		s.log.Info("refreshed google credentials", slog.Int64("user", int64(s.user)))
	}
	return tok, nil
}

// storedToken is the credential blob. It also reads the authorized-user JSON
// written by Google's own client libraries ("token" instead of
// "access_token").
type storedToken struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Token        string    `json:"token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// DecodeToken parses a stored credential blob.
func DecodeToken(blob string) (*oauth2.Token, error) {
	var st storedToken
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("decode google token: %w", err)
	}
	access := st.AccessToken
	if access == "" {
		access = st.Token
	}
	if access == "" && st.RefreshToken == "" {
		return nil, errors.New("google token has neither access nor refresh token")
	}
	return &oauth2.Token{
		AccessToken:  access,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

// EncodeToken renders a token as a credential blob.
func EncodeToken(tok *oauth2.Token) (string, error) {
	b, err := json.Marshal(storedToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		return "", fmt.Errorf("encode google token: %w", err)
	}
	return string(b), nil
}
