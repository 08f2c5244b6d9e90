package authapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ProviderToken is the result of an identity-provider refresh.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// ProviderRefresher performs the OAuth2 refresh_token grant against the identity provider.
type ProviderRefresher struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// NewProviderRefresher returns a refresher for tokenURL. Public clients pass an empty secret.
func NewProviderRefresher(tokenURL, clientID, clientSecret string, timeout time.Duration) *ProviderRefresher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	style := oauth2.AuthStyleAutoDetect
	if clientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &ProviderRefresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: style},
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Refresh exchanges refreshToken for a new token pair. When the provider does not rotate the
// refresh token, the old one is returned.
func (p *ProviderRefresher) Refresh(ctx context.Context, refreshToken string) (*ProviderToken, error) {
	if refreshToken == "" {
		return nil, &APIError{Kind: KindUnauthorized, Message: "no refresh token"}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, providerError(err)
	}
	if tok.AccessToken == "" {
		return nil, ErrMalformedResponse
	}
	out := &ProviderToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	switch {
	case tok.ExpiresIn > 0:
		out.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		out.ExpiresIn = time.Until(tok.Expiry)
	default:
		out.ExpiresIn = DefaultExpiresIn
	}
	return out, nil
}

func providerError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		kind := classify(status, re.ErrorCode, re.ErrorDescription)
		if kind == KindUnknown && status == http.StatusBadRequest {
			kind = KindUnauthorized
		}
		return &APIError{Status: status, Kind: kind, Code: re.ErrorCode, Message: re.ErrorDescription}
	}
	return &TransportError{Op: "refresh_token grant", Err: err}
}
