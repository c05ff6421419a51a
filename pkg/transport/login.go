// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

// NewHTTPClient returns a client with HTTP/2 disabled that does not follow
// redirects, optionally skipping certificate verification.
func NewHTTPClient(insecureTLS bool) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
		Proxy:             http.ProxyFromEnvironment,
	}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginOptions configures Login.
type LoginOptions struct {
	BaseURL  string
	Username string
	Password string

	// Client defaults to NewHTTPClient(false).
	Client *http.Client
	// Retries is the number of extra attempts on connection errors.
	Retries int
	Logger  *zap.SugaredLogger
}

// Login posts the credentials to {base}/login and returns the session
// cookie the server set. A 401 maps to ErrReauthenticationRequired.
// Connection errors are retried; HTTP status errors are not.
func Login(ctx context.Context, opts LoginOptions) (*http.Cookie, error) {
	log := logger.OrNop(opts.Logger)

	client := retryablehttp.NewClient()
	client.HTTPClient = opts.Client
	if client.HTTPClient == nil {
		client.HTTPClient = NewHTTPClient(false)
	}
	client.RetryMax = opts.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = &zapRetryLogger{logger: log}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// only connection errors, never status codes
		return err != nil, nil
	}

	body, err := safejson.Marshal(loginRequest{Username: opts.Username, Password: opts.Password})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(opts.BaseURL, "/") + constants.LoginPath
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("login rejected for %s: %w", opts.Username, ErrReauthenticationRequired)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// the admin login answers with a redirect after setting the cookie
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	for _, c := range resp.Cookies() {
		if c.Name == constants.SessionCookieName && c.Value != "" {
			log.Debugf("Logged in as %s", opts.Username)
			return c, nil
		}
	}
	return nil, fmt.Errorf("login response carried no %s cookie", constants.SessionCookieName)
}

// zapRetryLogger adapts zap.SugaredLogger to retryablehttp.LeveledLogger interface.
type zapRetryLogger struct {
	logger *zap.SugaredLogger
}

func (z *zapRetryLogger) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Errorw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Infow(msg, keysAndValues...)
}

func (z *zapRetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warnw(msg, keysAndValues...)
}
