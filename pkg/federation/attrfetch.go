package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/campusworks/trustcore/pkg/autherr"
)

// DirectoryConfig points at an OIDC-capable directory service that holds
// profile attributes the identity provider does not assert.
type DirectoryConfig struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// DirectoryClient enriches normalized identities with attributes from an
// external directory: an authorization code is exchanged for a token, and
// the token reads the subject's profile from the userinfo endpoint.
type DirectoryClient struct {
	provider *oidc.Provider
	oauth    oauth2.Config
	timeout  time.Duration
}

// NewDirectoryClient discovers the directory's endpoints
func NewDirectoryClient(ctx context.Context, config DirectoryConfig, timeout time.Duration) (*DirectoryClient, error) {
	if config.IssuerURL == "" || config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("%w: directory client requires issuer_url, client_id and client_secret", autherr.ErrConfigurationMissing)
	}

	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: directory discovery: %v", autherr.ErrUpstream, err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &DirectoryClient{
		provider: provider,
		oauth: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
		},
		timeout: timeout,
	}, nil
}

// ExchangeCode posts an authorization code to the directory's token
// endpoint and returns the granted token.
func (c *DirectoryClient) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}
	return token, nil
}

// Enrich merges directory attributes into the identity using a token from
// ExchangeCode. Attributes already asserted by the provider win; the
// directory only fills gaps.
func (c *DirectoryClient) Enrich(ctx context.Context, identity *NormalizedIdentity, token *oauth2.Token) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	claims, err := c.fetchProfile(ctx, token)
	if err != nil {
		return err
	}

	if identity.Attributes == nil {
		identity.Attributes = make(map[string]string, len(claims))
	}
	for key, value := range claims {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if _, exists := identity.Attributes[key]; !exists {
			identity.Attributes[key] = str
		}
	}
	if identity.Email == "" {
		if email, ok := claims["email"].(string); ok {
			identity.Email = email
		}
	}
	if identity.DisplayName == "" {
		if name, ok := claims["name"].(string); ok {
			identity.DisplayName = name
		}
	}
	return nil
}

func (c *DirectoryClient) fetchProfile(ctx context.Context, token *oauth2.Token) (map[string]interface{}, error) {
	userInfo, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, classifyUpstreamError(err)
	}

	var claims map[string]interface{}
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: malformed directory profile: %v", autherr.ErrUpstream, err)
	}
	return claims, nil
}

// classifyUpstreamError separates deadline expiry from protocol failures so
// callers can distinguish a slow directory from a broken one.
func classifyUpstreamError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: directory request: %v", autherr.ErrUpstreamTimeout, err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: directory returned status %d", autherr.ErrUpstream, retrieveErr.Response.StatusCode)
	}
	return fmt.Errorf("%w: directory request: %v", autherr.ErrUpstream, err)
}
