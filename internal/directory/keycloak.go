// ABOUTME: Keycloak admin REST API provider for directory sync
// ABOUTME: Authenticates with OAuth2 client credentials and pages through realm users and groups

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	keycloakPageSize    = 100
	keycloakHTTPTimeout = 15 * time.Second
)

// KeycloakConfig holds the realm coordinates and service account credentials.
type KeycloakConfig struct {
	BaseURL           string
	Realm             string
	ClientID          string
	ClientSecret      string
	RequestsPerSecond float64 // 0 means 10
}

// KeycloakProvider lists realm users and their group through the admin API.
type KeycloakProvider struct {
	cfg     KeycloakConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type keycloakUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
}

type keycloakGroup struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SubGroups []keycloakGroup `json:"subGroups"`
}

// NewKeycloakProvider creates a provider. The access token is fetched lazily and
// cached until it expires. Pass nil logger for default.
func NewKeycloakProvider(cfg KeycloakConfig, logger *slog.Logger) *KeycloakProvider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", cfg.BaseURL, url.PathEscape(cfg.Realm)),
	}
	client := cc.Client(context.Background())
	client.Timeout = keycloakHTTPTimeout

	return &KeycloakProvider{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.With("component", "keycloak"),
	}
}

// Name identifies the provider in logs.
func (p *KeycloakProvider) Name() string {
	return "keycloak"
}

// FetchUsers returns every realm user. A user's group is the last group that
// lists it as a member.
func (p *KeycloakProvider) FetchUsers(ctx context.Context) ([]RemoteUser, error) {
	users, err := p.listUsers(ctx, p.adminURL("users"))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	groupOf, err := p.groupMembership(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]RemoteUser, 0, len(users))
	for _, u := range users {
		result = append(result, RemoteUser{
			ID:        u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Enabled:   u.Enabled,
			Group:     groupOf[u.ID],
		})
	}

	p.logger.Debug("fetched realm users", "users", len(result), "grouped", len(groupOf))
	return result, nil
}

func (p *KeycloakProvider) groupMembership(ctx context.Context) (map[string]string, error) {
	var groups []keycloakGroup
	if err := p.getJSON(ctx, p.adminURL("groups"), &groups); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	groupOf := make(map[string]string)
	for _, g := range flattenGroups(groups) {
		members, err := p.listUsers(ctx, p.adminURL("groups", g.ID, "members"))
		if err != nil {
			return nil, fmt.Errorf("listing members of group %s: %w", g.Name, err)
		}
		for _, m := range members {
			groupOf[m.ID] = g.Name
		}
	}
	return groupOf, nil
}

// listUsers pages through a user collection endpoint.
func (p *KeycloakProvider) listUsers(ctx context.Context, endpoint string) ([]keycloakUser, error) {
	var all []keycloakUser
	for first := 0; ; first += keycloakPageSize {
		var page []keycloakUser
		pageURL := fmt.Sprintf("%s?first=%d&max=%d", endpoint, first, keycloakPageSize)
		if err := p.getJSON(ctx, pageURL, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < keycloakPageSize {
			return all, nil
		}
	}
}

func (p *KeycloakProvider) getJSON(ctx context.Context, rawURL string, dst any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", req.URL.Path, err)
	}
	return nil
}

func (p *KeycloakProvider) adminURL(parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, p.cfg.BaseURL, "admin", "realms", url.PathEscape(p.cfg.Realm))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return strings.Join(escaped, "/")
}

func flattenGroups(groups []keycloakGroup) []keycloakGroup {
	var out []keycloakGroup
	for _, g := range groups {
		out = append(out, g)
		out = append(out, flattenGroups(g.SubGroups)...)
	}
	return out
}

// Compile-time check that KeycloakProvider implements Provider
var _ Provider = (*KeycloakProvider)(nil)
