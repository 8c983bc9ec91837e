// Package rest checks user credentials by calling the identity source of the
// origin server over plain HTTP.
package rest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/testmycode/tmc-comet/server/auth"
)

// Path of the credential check endpoint relative to the server base URL.
const authEndpoint = "auth.text"

// Replies longer than this are not a plain "OK".
const maxResponseSize = 1 << 10

// Verifier implements auth.Verifier.
type Verifier struct {
	client *http.Client
}

// New creates a verifier which uses the given HTTP client or http.DefaultClient if nil.
// Request deadlines come from the context passed to Verify.
func New(client *http.Client) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{client: client}
}

// Init creates a verifier from a JSON config. Only "insecure_skip_verify" is recognized.
func Init(jsonconf json.RawMessage) (*Verifier, error) {
	type configType struct {
		// Do not verify TLS certificates of identity sources. Testing only.
		InsecureSkipVerify bool `json:"insecure_skip_verify"`
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("auth_rest: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
		}
	}

	if config.InsecureSkipVerify {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return New(&http.Client{Transport: tr}), nil
	}
	return New(nil), nil
}

// Verify posts the credentials to <serverBaseURL>/auth.text. Credentials are
// accepted if and only if the trimmed reply body is "OK".
func (v *Verifier) Verify(ctx context.Context, serverBaseURL string, cred auth.Credentials) (bool, error) {
	form := url.Values{}
	form.Set("username", cred.Username)
	if cred.SessionID != "" {
		form.Set("session_id", cred.SessionID)
	} else {
		form.Set("password", cred.Password)
	}

	// The base URL may carry a query which must stay after the path.
	endpoint, err := url.JoinPath(serverBaseURL, authEndpoint)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/plain")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("auth_rest: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(body)) == "OK", nil
}
