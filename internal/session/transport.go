package session

import (
	"io"
	"net/http"
)

// Transport adds the stored access token to outgoing requests and, on a 401,
// refreshes once and retries that one request with the new token.
type Transport struct {
	base http.RoundTripper
	sync *Synchronizer
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, s *Synchronizer) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, sync: s}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.sync.AccessToken()
	resp, err := t.base.RoundTrip(withToken(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// Body already consumed; surface the 401.
		return resp, nil
	}

	newToken := t.sync.AccessToken()
	if newToken == token || newToken == "" {
		// Nobody refreshed since this request went out.
		newToken, err = t.sync.Refresh(req.Context())
		if err != nil {
			return resp, nil
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	retry := withToken(req, newToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

func withToken(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}
