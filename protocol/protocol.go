// Package protocol implements the HTTP side of the mushroom protocol.
//
// Three kinds of exchanges travel over plain HTTP POSTs:
//
//	handshake  {"transports": ["ws","poll"], "auth": ...}  →  {"transport": "poll", "url": "...", ...}
//	poll       [[0, lastMessageId|null]]                    →  [[code, ...], [code, ...], ...]
//	send       [[code, ...]]                                →  (ignored)
//
// Bodies are sent as text/plain so that browsers treat them as CORS "simple
// requests"; the server side of the protocol depends on that, so every client
// keeps doing it.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ContentType is used for every exchange body.
const ContentType = "text/plain"

// ErrHandshake is returned when the handshake exchange fails or its reply is unusable.
var ErrHandshake = errors.New("handshake failed")

// Reply is the outcome of one exchange: the HTTP status and the full body.
type Reply struct {
	Status int
	Body   []byte
}

// OK reports whether the status is in the 2xx class.
func (r *Reply) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Exchange sends body to url and returns the reply. An error means no reply
// was received at all; a non-2xx reply is not an error at this level.
type Exchange func(ctx context.Context, url string, body []byte) (*Reply, error)

// HTTPExchange returns an Exchange backed by hc. A nil hc uses http.DefaultClient.
func HTTPExchange(hc *http.Client) Exchange {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context, url string, body []byte) (*Reply, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", ContentType)

		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &Reply{Status: resp.StatusCode, Body: data}, nil
	}
}

// HandshakeRequest offers the client's transports, most preferred first.
type HandshakeRequest struct {
	Transports []string `json:"transports"`
	Auth       any      `json:"auth"`
}

// TransportParams is the server's handshake reply: the chosen transport and
// whatever parameters that transport needs. URL is the endpoint the
// transport connects to.
type TransportParams struct {
	Transport string
	URL       string
	Raw       map[string]json.RawMessage
}

// Param decodes the raw handshake field key into v.
// It reports false when the field is absent.
func (p TransportParams) Param(key string, v any) (bool, error) {
	raw, ok := p.Raw[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("param %q: %w", key, err)
	}
	return true, nil
}

// Handshake posts req to url and parses the server's transport choice.
func Handshake(ctx context.Context, ex Exchange, url string, req HandshakeRequest) (TransportParams, error) {
	if req.Transports == nil {
		req.Transports = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return TransportParams{}, fmt.Errorf("%w: encode: %v", ErrHandshake, err)
	}

	reply, err := ex(ctx, url, body)
	if err != nil {
		return TransportParams{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !reply.OK() {
		return TransportParams{}, fmt.Errorf("%w: status %d", ErrHandshake, reply.Status)
	}
	return ParseTransportParams(reply.Body)
}

// ParseTransportParams decodes a handshake reply body.
func ParseTransportParams(body []byte) (TransportParams, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return TransportParams{}, fmt.Errorf("%w: decode reply: %v", ErrHandshake, err)
	}

	p := TransportParams{Raw: raw}
	if _, err := p.Param("transport", &p.Transport); err != nil {
		return TransportParams{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if p.Transport == "" {
		return TransportParams{}, fmt.Errorf("%w: reply names no transport", ErrHandshake)
	}
	if _, err := p.Param("url", &p.URL); err != nil {
		return TransportParams{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return p, nil
}
