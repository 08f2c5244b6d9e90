// Package authapi is the HTTP client for the auth API (refresh, session cookie, OTP) and the
// identity provider's OAuth2 token endpoint. Every failure is returned as a tagged *APIError
// or *TransportError.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 15 * time.Second
	// DefaultExpiresIn is used when a token response omits expires_in.
	DefaultExpiresIn = time.Hour
	maxErrorBody     = 64 << 10
)

// OTP channels.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// User is the user object embedded in token responses.
type User struct {
	ID           string         `json:"id"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// RefreshResponse is the body of POST /refresh.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	User        *User  `json:"user,omitempty"`
}

// Lifetime returns ExpiresIn as a duration, DefaultExpiresIn when absent.
func (r *RefreshResponse) Lifetime() time.Duration {
	if r == nil || r.ExpiresIn <= 0 {
		return DefaultExpiresIn
	}
	return time.Duration(r.ExpiresIn) * time.Second
}

// SendOTPRequest is the body of POST /otp/send.
type SendOTPRequest struct {
	Contact       string `json:"contact"`
	Channel       string `json:"channel"`
	CreateAccount bool   `json:"createAccount"`
}

// SendOTPResponse is the body returned by POST /otp/send.
type SendOTPResponse struct {
	RegToken string `json:"reg_token,omitempty"`
}

// VerifyOTPRequest is the body of POST /otp/verify.
type VerifyOTPRequest struct {
	Contact       string            `json:"contact"`
	Code          string            `json:"code"`
	RegToken      string            `json:"regToken,omitempty"`
	ProfileFields map[string]string `json:"profileFields,omitempty"`
}

// VerifyOTPResponse is the body returned by POST /otp/verify.
type VerifyOTPResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	User        *User  `json:"user,omitempty"`
}

type errorBody struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	ErrorCode        string `json:"error_code"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
}

// Client calls the auth API under BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL. A zero timeout uses 15s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Refresh exchanges the current access token for a new one (fallback refresh path).
func (c *Client) Refresh(ctx context.Context, accessToken string) (*RefreshResponse, error) {
	var out RefreshResponse
	if err := c.post(ctx, "/refresh", accessToken, nil, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, ErrMalformedResponse
	}
	return &out, nil
}

// BootstrapSessionCookie posts token to /session-cookie and returns the double-submit CSRF token.
func (c *Client) BootstrapSessionCookie(ctx context.Context, token string) (string, error) {
	var out struct {
		CSRF string `json:"csrf"`
	}
	if err := c.post(ctx, "/session-cookie", "", map[string]string{"token": token}, &out); err != nil {
		return "", err
	}
	if out.CSRF == "" {
		return "", ErrMalformedResponse
	}
	return out.CSRF, nil
}

// SendOTP asks the API to send a one-time passcode to req.Contact.
func (c *Client) SendOTP(ctx context.Context, req SendOTPRequest) (*SendOTPResponse, error) {
	var out SendOTPResponse
	if err := c.post(ctx, "/otp/send", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOTP verifies a passcode and, on success, returns a freshly issued access token.
func (c *Client) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*VerifyOTPResponse, error) {
	var out VerifyOTPResponse
	if err := c.post(ctx, "/otp/verify", "", req, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, ErrMalformedResponse
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path, bearer string, body, out any) error {
	var rdr io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return decodeAPIError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return ErrMalformedResponse
	}
	return nil
}

func decodeAPIError(status int, b []byte) *APIError {
	var eb errorBody
	_ = json.Unmarshal(b, &eb)
	code := firstNonEmpty(eb.Code, eb.ErrorCode)
	msg := firstNonEmpty(eb.Message, eb.Msg, eb.ErrorDescription)
	// {"error": "..."} is either a code or a sentence depending on the server.
	if eb.Error != "" {
		if strings.ContainsRune(eb.Error, ' ') {
			msg = firstNonEmpty(msg, eb.Error)
		} else {
			code = firstNonEmpty(code, eb.Error)
		}
	}
	if msg == "" && code == "" && len(b) > 0 && !json.Valid(b) {
		msg = strings.TrimSpace(string(b))
	}
	return &APIError{Status: status, Kind: classify(status, code, msg), Code: code, Message: msg}
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
