package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// tokenResponse is the subset of an OAuth2/Docker token endpoint response
// this client cares about. Some registries (GHCR) use "token", others
// "access_token"; both are checked.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// bearerChallenge is a parsed "WWW-Authenticate: Bearer ..." header.
type bearerChallenge struct {
	realm   string
	service string
	scope   string
}

// parseBearerChallenge parses a WWW-Authenticate header of the form
//
//	Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo:pull"
//
// Returns ok=false if the header is missing, not a Bearer challenge, or
// lacks a realm/service pair.
func parseBearerChallenge(header string) (bearerChallenge, bool) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return bearerChallenge{}, false
	}

	params := map[string]string{}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(k)] = strings.Trim(v, `"`)
	}

	c := bearerChallenge{
		realm:   params["realm"],
		service: params["service"],
		scope:   params["scope"],
	}
	if c.realm == "" || c.service == "" {
		return bearerChallenge{}, false
	}
	return c, true
}

// fetchAnonymousToken exchanges a bearer challenge for an anonymous
// pull-scoped token by GETting the challenge's realm with the service and
// scope query parameters it advertised.
func (c *Client) fetchAnonymousToken(ctx context.Context, challenge bearerChallenge, repository string) (string, error) {
	scope := challenge.scope
	if scope == "" {
		scope = "repository:" + repository + ":pull"
	}

	u, err := url.Parse(challenge.realm)
	if err != nil {
		return "", fmt.Errorf("parse token realm %q: %w", challenge.realm, err)
	}
	q := u.Query()
	q.Set("service", challenge.service)
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned %d", challenge.realm, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.value() == "" {
		return "", fmt.Errorf("token endpoint %s returned no token", challenge.realm)
	}
	return tok.value(), nil
}
