// Package oauth implements the token-endpoint wire protocol: request body
// construction, response decoding, and translation of provider error bodies
// into the acquisition error taxonomy.
package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianid/msid-go/internal/autherr"
	"github.com/meridianid/msid-go/internal/credential"
)

const requestTimeout = 30 * time.Second

// Doer executes an HTTP request. *http.Client satisfies it; tests inject
// counting or failing implementations.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client speaks the token-endpoint protocol against a resolved authority's
// endpoints. Safe for concurrent use.
type Client struct {
	doer Doer
}

// New creates a wire client. A nil doer uses a default HTTP client with a
// request timeout.
func New(doer Doer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: requestTimeout}
	}
	return &Client{doer: doer}
}

// TokenResponse is the decoded success body of a token-endpoint exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExtExpiresIn int64  `json:"ext_expires_in"`
	RefreshIn    int64  `json:"refresh_in"`
	Scope        string `json:"scope"`
	ClientInfo   string `json:"client_info"`
	FamilyID     string `json:"foci"`
}

// GrantedScopes returns the scope set the provider granted, falling back to
// the requested set when the provider echoes nothing.
func (t TokenResponse) GrantedScopes(requested []string) []string {
	if granted := strings.Fields(t.Scope); len(granted) > 0 {
		return granted
	}
	return requested
}

// HomeAccountID derives the uid.utid account identifier from the response's
// client_info blob. Empty for app-only tokens, which carry no account.
func (t TokenResponse) HomeAccountID() string {
	if t.ClientInfo == "" {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(t.ClientInfo, "="))
	if err != nil {
		return ""
	}
	var info struct {
		UID  string `json:"uid"`
		UTID string `json:"utid"`
	}
	if err := json.Unmarshal(raw, &info); err != nil || info.UID == "" {
		return ""
	}
	return info.UID + "." + info.UTID
}

// DeviceCodeResponse is the decoded body of a device-authorization request.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
	Message         string `json:"message"`
}

// errorResponse is the provider's failure body: the code/sub-error/
// correlation-id triple plus a human-readable description.
type errorResponse struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	CorrelationID    string `json:"correlation_id"`
}

// Token POSTs form to the token endpoint and decodes the result. Failures
// surface as *autherr.ServiceError, or *autherr.InteractionRequiredError
// when the provider demands a user-interactive flow.
func (c *Client) Token(ctx context.Context, endpoint string, form url.Values) (TokenResponse, error) {
	var token TokenResponse
	if err := c.postForm(ctx, endpoint, form, &token); err != nil {
		return TokenResponse{}, err
	}
	if token.AccessToken == "" {
		return TokenResponse{}, &autherr.ServiceError{
			StatusCode:  http.StatusOK,
			Description: "token endpoint returned success without an access token",
		}
	}
	return token, nil
}

// DeviceCode POSTs form to the device-authorization endpoint.
func (c *Client) DeviceCode(ctx context.Context, endpoint string, form url.Values) (DeviceCodeResponse, error) {
	var dc DeviceCodeResponse
	if err := c.postForm(ctx, endpoint, form, &dc); err != nil {
		return DeviceCodeResponse{}, err
	}
	if dc.DeviceCode == "" {
		return DeviceCodeResponse{}, &autherr.ServiceError{
			StatusCode:  http.StatusOK,
			Description: "device authorization endpoint returned success without a device code",
		}
	}
	return dc, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return autherr.Configf("building token request for %q: %v", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return &autherr.ServiceError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &autherr.ServiceError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &autherr.ServiceError{StatusCode: resp.StatusCode, Err: err,
			Description: "malformed success body"}
	}
	return nil
}

// decodeError maps a failure body to the error taxonomy. The body is decoded
// best-effort: a non-JSON failure body still produces a ServiceError carrying
// the HTTP status.
func decodeError(status int, body []byte) error {
	var e errorResponse
	_ = json.Unmarshal(body, &e)

	se := autherr.ServiceError{
		StatusCode:    status,
		ErrorCode:     e.Error,
		SubError:      e.SubError,
		CorrelationID: e.CorrelationID,
		Description:   e.ErrorDescription,
	}

	if interactionRequired(e) {
		log.Debug().Str("error", e.Error).Str("suberror", e.SubError).
			Msg("provider requires user interaction")
		return &autherr.InteractionRequiredError{ServiceError: se}
	}
	return &se
}

// interactionRequired recognises the provider signals that terminate the
// silent path: the dedicated error codes, and invalid_grant sub-errors that
// are resolvable by the user (conditional access, consent, password reset).
func interactionRequired(e errorResponse) bool {
	switch e.Error {
	case "interaction_required", "consent_required", "login_required":
		return true
	}
	if e.Error == "invalid_grant" {
		switch e.SubError {
		case "basic_action", "additional_action", "message_only",
			"consent_required", "user_password_expired":
			return true
		}
	}
	return false
}

// ClientAuth applies a credential's materialized proof to a token request
// form: a shared secret or a signed assertion.
func ClientAuth(form url.Values, clientID string, material credential.AuthMaterial) {
	form.Set("client_id", clientID)
	switch {
	case material.Assertion != "":
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", material.Assertion)
	case material.Secret != "":
		form.Set("client_secret", material.Secret)
	}
}
