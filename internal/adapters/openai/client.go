// Package openai talks to the ephemeral token collaborator and the realtime SDP endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTokenURL = "http://localhost:3000/token"
	DefaultModelURL = "https://api.openai.com/v1/realtime"
)

var (
	ErrEmptyCredential = errors.New("token response has no client secret")
	ErrEmptyAnswer     = errors.New("empty sdp answer")
)

// APIError is a non-success HTTP reply from either endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, strings.TrimSpace(body))
}

type tokenResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Model string `json:"model"`
}

type Config struct {
	TokenURL string
	ModelURL string
	Timeout  time.Duration
	// Model is used when the token response does not name one.
	Model string
}

// Client implements modellink.Endpoint.
type Client struct {
	cfg  Config
	http *resty.Client
}

func NewClient(cfg Config) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ModelURL == "" {
		cfg.ModelURL = DefaultModelURL
	}
	c := resty.New()
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	return &Client{cfg: cfg, http: c}
}

// FetchCredential calls GET token_url and returns the ephemeral key.
func (c *Client) FetchCredential(ctx context.Context) (domain.Credential, error) {
	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&tok).
		Get(c.cfg.TokenURL)
	if err != nil {
		return domain.Credential{}, domain.NewLinkError(domain.LinkModel, "token", domain.ErrCredential, err)
	}
	if resp.IsError() {
		return domain.Credential{}, domain.NewLinkError(domain.LinkModel, "token", domain.ErrCredential,
			&APIError{StatusCode: resp.StatusCode(), Body: resp.String()})
	}
	if tok.ClientSecret.Value == "" {
		return domain.Credential{}, domain.NewLinkError(domain.LinkModel, "token", domain.ErrCredential, ErrEmptyCredential)
	}
	model := tok.Model
	if model == "" {
		model = c.cfg.Model
	}
	log.Debug().Str("module", "openai").Str("model", model).Msg("credential issued")
	return domain.Credential{Value: tok.ClientSecret.Value, Model: model}, nil
}

// PostOffer sends the raw SDP offer to model_url?model=<model> and returns the raw answer.
func (c *Client) PostOffer(ctx context.Context, cred domain.Credential, offer string) (string, error) {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(cred.Value).
		SetHeader("Content-Type", "application/sdp").
		SetBody(offer)
	if cred.Model != "" {
		req.SetQueryParam("model", cred.Model)
	}
	resp, err := req.Post(c.cfg.ModelURL)
	if err != nil {
		return "", domain.NewLinkError(domain.LinkModel, "sdp", domain.ErrNegotiation, err)
	}
	if !resp.IsSuccess() {
		return "", domain.NewLinkError(domain.LinkModel, "sdp", domain.ErrNegotiation,
			&APIError{StatusCode: resp.StatusCode(), Body: resp.String()})
	}
	answer := resp.String()
	if strings.TrimSpace(answer) == "" {
		return "", domain.NewLinkError(domain.LinkModel, "sdp", domain.ErrNegotiation, ErrEmptyAnswer)
	}
	return answer, nil
}
