// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gotrue "github.com/supabase-community/gotrue-go"
	gotypes "github.com/supabase-community/gotrue-go/types"
	postgrest "github.com/supabase-community/postgrest-go"

	"github.com/canonical/tenant-directory/internal/logging"
	"github.com/canonical/tenant-directory/internal/monitoring"
	"github.com/canonical/tenant-directory/internal/tracing"
	"github.com/canonical/tenant-directory/internal/types"
)

const (
	usersPageSize = 100
	profilesTable = "profiles"
)

// Client talks to one tenant store, bound to an API key and optionally a user access token.
// An admin client is a Client whose API key is the service credential.
type Client struct {
	endpoint    string
	apiKey      string
	accessToken string

	auth gotrue.Client
	rest *postgrest.Client

	httpClient *http.Client
	now        func() time.Time

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) AccessToken() string {
	return c.accessToken
}

// authFor returns the auth client for one call, requests carry ctx and the extra query.
func (c *Client) authFor(ctx context.Context, query url.Values) gotrue.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return c.auth.WithClient(http.Client{
		Transport: &callTransport{ctx: ctx, query: query, base: base},
		Timeout:   c.httpClient.Timeout,
	})
}

// SignInWithPassword runs the password grant and returns a real session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*types.Session, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.SignInWithPassword")
	defer span.End()

	r, err := c.authFor(ctx, nil).SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, classify(err)
	}

	if r.AccessToken == "" {
		return nil, fmt.Errorf("password grant returned no access token")
	}

	return sessionFrom(r.Session, c.now()), nil
}

func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*types.Session, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.RefreshSession")
	defer span.End()

	r, err := c.authFor(ctx, nil).RefreshToken(refreshToken)
	if err != nil {
		return nil, classify(err)
	}

	if r.AccessToken == "" {
		return nil, fmt.Errorf("refresh grant returned no access token")
	}

	return sessionFrom(r.Session, c.now()), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, data map[string]any) (*SignUpResult, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.SignUp")
	defer span.End()

	r, err := c.authFor(ctx, nil).Signup(gotypes.SignupRequest{Email: email, Password: password, Data: data})
	if err != nil {
		return nil, classify(err)
	}

	// the answer is a session when autoconfirm is on, the bare user otherwise
	result := &SignUpResult{User: userFrom(r.User)}
	if r.AccessToken != "" {
		result.Session = sessionFrom(r.Session, c.now())
	}

	return result, nil
}

// SignOut revokes the session of the bound access token.
func (c *Client) SignOut(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.SignOut")
	defer span.End()

	if c.accessToken == "" {
		return nil
	}

	return classify(c.authFor(ctx, nil).Logout())
}

func (c *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.ResetPasswordForEmail")
	defer span.End()

	return classify(c.authFor(ctx, nil).Recover(gotypes.RecoverRequest{Email: email}))
}

// GetUser returns the identity behind the bound access token.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.GetUser")
	defer span.End()

	r, err := c.authFor(ctx, nil).GetUser()
	if err != nil {
		return nil, classify(err)
	}

	return userFrom(r.User), nil
}

// FindUserByEmail pages through the admin user list, it needs the service credential.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.FindUserByEmail")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(usersPageSize))

		r, err := c.authFor(ctx, q).AdminListUsers()
		if err != nil {
			return nil, classify(err)
		}

		for _, u := range r.Users {
			if strings.EqualFold(u.Email, email) {
				return userFrom(u), nil
			}
		}

		if len(r.Users) < usersPageSize {
			return nil, ErrUserNotFound
		}
	}
}

// CreateUser creates an identity with the email already confirmed.
func (c *Client) CreateUser(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.CreateUser")
	defer span.End()

	r, err := c.authFor(ctx, nil).AdminCreateUser(gotypes.AdminCreateUserRequest{
		Email:        email,
		Password:     &password,
		EmailConfirm: true,
		UserMetadata: metadata,
	})
	if err != nil {
		return nil, classify(err)
	}

	return userFrom(r.User), nil
}

// UpdateUserPassword sets a new password and confirms the email of an existing identity.
func (c *Client) UpdateUserPassword(ctx context.Context, id, password string) (*User, error) {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.UpdateUserPassword")
	defer span.End()

	userID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid identity id %q: %w", id, err)
	}

	r, err := c.authFor(ctx, nil).AdminUpdateUser(gotypes.AdminUpdateUserRequest{
		UserID:       userID,
		Password:     password,
		EmailConfirm: true,
	})
	if err != nil {
		return nil, classify(err)
	}

	return userFrom(r.User), nil
}

// UpsertProfile writes the profile row keyed by identity id, repeated calls converge.
func (c *Client) UpsertProfile(ctx context.Context, p *types.Profile) error {
	ctx, span := c.tracer.Start(ctx, "supabase.Client.UpsertProfile")
	defer span.End()

	if c.rest.ClientError != nil {
		return fmt.Errorf("failed to build rest client: %w", c.rest.ClientError)
	}

	_, _, err := c.rest.From(profilesTable).
		Upsert([]*types.Profile{p}, "id", "representation", "").
		ExecuteWithContext(ctx)

	return classify(err)
}

// callTransport binds a request context and extra query parameters to the requests of a library
// that builds its own requests.
type callTransport struct {
	ctx   context.Context
	query url.Values
	base  http.RoundTripper
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(t.ctx)

	if len(t.query) > 0 {
		q := req.URL.Query()
		for k, vs := range t.query {
			q[k] = vs
		}
		req.URL.RawQuery = q.Encode()
	}

	return t.base.RoundTrip(req)
}

// NewClient builds a client for endpoint, a nil httpClient gets a traced default.
func NewClient(endpoint, apiKey, accessToken string, httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Client {
	c := new(Client)

	c.endpoint = strings.TrimRight(endpoint, "/")
	c.apiKey = apiKey
	c.accessToken = accessToken

	c.httpClient = httpClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: tracing.NewTransport(nil)}
	}
	c.now = time.Now

	bearer := apiKey
	if accessToken != "" {
		bearer = accessToken
	}

	c.auth = gotrue.New("", apiKey).
		WithCustomGoTrueURL(c.endpoint + "/auth/v1").
		WithToken(bearer)

	c.rest = postgrest.NewClient(c.endpoint+"/rest/v1", "public", nil)
	if c.rest.ClientError == nil {
		c.rest.SetApiKey(apiKey).SetAuthToken(bearer)
		c.rest.Transport.Parent = c.httpClient.Transport
	}

	c.tracer = tracer
	c.monitor = monitor
	c.logger = logger

	return c
}

// NewAdminClient binds the service credential of an organization, it must never leave the backend.
func NewAdminClient(org types.Organization, secret *types.OrganizationSecret, httpClient *http.Client, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *Client {
	return NewClient(org.Endpoint, secret.ServiceKey, "", httpClient, tracer, monitor, logger)
}
