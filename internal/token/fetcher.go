package token

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// StaticFetcher hands out one long lived token to every user.
type StaticFetcher struct {
	AccessToken string
}

func (f StaticFetcher) FetchToken(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: f.AccessToken, TokenType: "Bearer"}, nil
}

// ClientCredentialsFetcher obtains per-user upload tokens from an OAuth2
// token endpoint with the client credentials grant.
type ClientCredentialsFetcher struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
}

func NewClientCredentialsFetcher(clientID, clientSecret, tokenURL string, httpClient *http.Client) *ClientCredentialsFetcher {
	return &ClientCredentialsFetcher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
	}
}

func (f *ClientCredentialsFetcher) FetchToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:       f.clientID,
		ClientSecret:   f.clientSecret,
		TokenURL:       f.tokenURL,
		Scopes:         []string{"upload"},
		EndpointParams: url.Values{"user_id": {userID}},
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	return cfg.Token(ctx)
}
