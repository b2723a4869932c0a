package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Compile-time interface check.
var _ Refresher = (*OAuthRefresher)(nil)

// OAuthRefresher refreshes tokens with the OAuth2 refresh-token grant.
type OAuthRefresher struct {
	cfg    oauth2.Config
	client *http.Client
}

// NewOAuthRefresher creates a refresher for the given client and token
// endpoint. client may be nil to use http.DefaultClient.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client: client,
	}
}

// RefreshToken implements [Refresher]. A 400 or 401 from the token endpoint
// is reported as [TokenError].
func (r *OAuthRefresher) RefreshToken(ctx context.Context, tok Token) (Token, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	ts := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return Token{}, &TokenError{UserID: tok.UserID, Err: err}
		}
		return Token{}, fmt.Errorf("credentials: refresh for %q: %w", tok.UserID, err)
	}
	return Token{
		UserID:       tok.UserID,
		Username:     tok.Username,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}, nil
}
