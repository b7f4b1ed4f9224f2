package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/spotify"

	"github.com/sakif/nowplaying/internal/model"
)

const spotifyAPIBase = "https://api.spotify.com"

// spotifyUser is the part of GET /v1/me we use.
// https://developer.spotify.com/documentation/web-api/reference/get-current-users-profile
type spotifyUser struct {
	ID          string `json:"id"` // Spotify user id, stable
	DisplayName string `json:"display_name"`
	Email       string `json:"email"` // only with user-read-email
}

// SpotifyProvider runs the Authorization Code flow against Spotify.
//
// The access and refresh tokens are kept (sealed) on the Account so the
// overlay can poll the player API on the user's behalf; TokenSource refreshes
// them when they expire.
type SpotifyProvider struct {
	config  *oauth2.Config
	apiBase string
	client  *http.Client
}

// SpotifyOption customises a SpotifyProvider.
type SpotifyOption func(*SpotifyProvider)

// WithSpotifyEndpoints points the provider at a different token endpoint and
// API host. Tests use an httptest server.
func WithSpotifyEndpoints(endpoint oauth2.Endpoint, apiBase string) SpotifyOption {
	return func(p *SpotifyProvider) {
		p.config.Endpoint = endpoint
		p.apiBase = apiBase
	}
}

// WithHTTPClient sets the client used for the token exchange and profile call.
func WithHTTPClient(c *http.Client) SpotifyOption {
	return func(p *SpotifyProvider) { p.client = c }
}

// NewSpotifyProvider builds the provider. callbackURL must match the redirect
// URI registered in the Spotify developer dashboard exactly.
//
// Scopes:
//   - user-read-email: profile email for the identity record
//   - user-read-currently-playing, user-read-recently-played: the overlay data
func NewSpotifyProvider(clientID, clientSecret, callbackURL string, opts ...SpotifyOption) *SpotifyProvider {
	p := &SpotifyProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes: []string{
				"user-read-email",
				"user-read-currently-playing",
				"user-read-recently-played",
			},
			Endpoint: spotify.Endpoint,
		},
		apiBase: spotifyAPIBase,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthURL is where /auth/spotify/login redirects. state is echoed back on the
// callback and compared with the state cookie to stop login CSRF.
func (p *SpotifyProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades the callback code for tokens and fetches the profile they belong to.
func (p *SpotifyProvider) Exchange(ctx context.Context, code string) (*model.ExternalProfile, *oauth2.Token, error) {
	ctx = p.withClient(ctx)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/me", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: building /v1/me request: %w", err)
	}
	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: calling Spotify /v1/me: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("auth: Spotify /v1/me returned status %d", resp.StatusCode)
	}

	var u spotifyUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, nil, fmt.Errorf("auth: decoding Spotify /v1/me response: %w", err)
	}
	if u.ID == "" {
		return nil, nil, fmt.Errorf("auth: Spotify returned a profile without an id")
	}

	return &model.ExternalProfile{
		Provider:    model.ProviderSpotify,
		ExternalID:  u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}, token, nil
}

// TokenSource returns a source that refreshes t when it expires.
func (p *SpotifyProvider) TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource {
	return p.config.TokenSource(p.withClient(ctx), t)
}

// withClient makes x/oauth2 use our http.Client for its own requests.
func (p *SpotifyProvider) withClient(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}
