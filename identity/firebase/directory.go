package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/shelfguard/identity"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultAPIBase is the Identity Toolkit REST endpoint.
const DefaultAPIBase = "https://identitytoolkit.googleapis.com"

var scopes = []string{
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/cloud-platform",
}

// Directory implements identity.Directory over the Identity Toolkit admin
// API, authorised with service-account credentials.
type Directory struct {
	projectID string
	baseURL   string
	client    *http.Client
	now       func() time.Time
}

// NewDirectory builds a Directory from a service-account JSON key. When
// credentialsJSON is empty, application default credentials are used.
func NewDirectory(ctx context.Context, projectID string, credentialsJSON []byte) (*Directory, error) {
	var (
		creds *google.Credentials
		err   error
	)
	if len(credentialsJSON) > 0 {
		creds, err = google.CredentialsFromJSON(ctx, credentialsJSON, scopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("loading google credentials: %w", err)
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 10 * time.Second
	return NewDirectoryWithClient(projectID, DefaultAPIBase, client), nil
}

// NewDirectoryWithClient builds a Directory with an already-authorised
// HTTP client.
func NewDirectoryWithClient(projectID, baseURL string, client *http.Client) *Directory {
	if client == nil {
		client = http.DefaultClient
	}
	return &Directory{
		projectID: projectID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		now:       time.Now,
	}
}

type apiUser struct {
	LocalID          string `json:"localId"`
	Email            string `json:"email"`
	Disabled         bool   `json:"disabled"`
	CustomAttributes string `json:"customAttributes"`
	ValidSince       string `json:"validSince"`
}

type lookupResponse struct {
	Users []apiUser `json:"users"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *Directory) GetUser(ctx context.Context, uid string) (*identity.User, error) {
	return d.lookup(ctx, map[string]any{"localId": []string{uid}})
}

func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return d.lookup(ctx, map[string]any{"email": []string{email}})
}

func (d *Directory) UpdatePassword(ctx context.Context, uid, password string) error {
	return d.update(ctx, map[string]any{"localId": uid, "password": password})
}

func (d *Directory) SetCustomClaims(ctx context.Context, uid string, claims identity.CustomClaims) error {
	attrs, err := json.Marshal(claims.Map())
	if err != nil {
		return fmt.Errorf("encoding custom claims: %w", err)
	}
	return d.update(ctx, map[string]any{"localId": uid, "customAttributes": string(attrs)})
}

// RevokeTokens advances the account's validSince watermark to now.
func (d *Directory) RevokeTokens(ctx context.Context, uid string) error {
	since := strconv.FormatInt(d.now().Unix(), 10)
	return d.update(ctx, map[string]any{"localId": uid, "validSince": since})
}

func (d *Directory) lookup(ctx context.Context, body map[string]any) (*identity.User, error) {
	var resp lookupResponse
	if err := d.call(ctx, "accounts:lookup", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, identity.ErrUserNotFound
	}
	u := resp.Users[0]
	out := &identity.User{
		UID:      u.LocalID,
		Email:    u.Email,
		Disabled: u.Disabled,
		Claims:   identity.ParseCustomClaims(nil),
	}
	if u.CustomAttributes != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(u.CustomAttributes), &raw); err != nil {
			return nil, fmt.Errorf("%w: decoding custom attributes: %v", identity.ErrUnavailable, err)
		}
		out.Claims = identity.ParseCustomClaims(raw)
	}
	if u.ValidSince != "" {
		if secs, err := strconv.ParseInt(u.ValidSince, 10, 64); err == nil {
			out.TokensValidAfter = time.Unix(secs, 0)
		}
	}
	return out, nil
}

func (d *Directory) update(ctx context.Context, body map[string]any) error {
	return d.call(ctx, "accounts:update", body, nil)
}

func (d *Directory) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	url := fmt.Sprintf("%s/v1/projects/%s/%s", d.baseURL, d.projectID, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: building %s request: %v", identity.ErrUnavailable, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", identity.ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", identity.ErrUnavailable, method, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s http %d", identity.ErrUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		if strings.HasPrefix(apiErr.Error.Message, "USER_NOT_FOUND") {
			return identity.ErrUserNotFound
		}
		return fmt.Errorf("%s rejected: http %d %s", method, resp.StatusCode, apiErr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decoding %s response: %v", identity.ErrUnavailable, method, err)
		}
	}
	return nil
}
