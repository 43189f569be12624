package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultExotelBaseURL = "https://api.exotel.com"

// ExotelConfig holds account credentials for the Connect API.
type ExotelConfig struct {
	AccountSID string
	APIKey     string
	APIToken   string
	// CallerID is the virtual number shown to both parties.
	CallerID string
	// BaseURL defaults to the public API host.
	BaseURL string
}

// ExotelProvider bridges two numbers with the Calls/connect endpoint.
type ExotelProvider struct {
	cfg  ExotelConfig
	http *http.Client
}

func NewExotelProvider(cfg ExotelConfig, client *http.Client) *ExotelProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultExotelBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ExotelProvider{cfg: cfg, http: client}
}

func (p *ExotelProvider) Name() string { return "exotel" }

func (p *ExotelProvider) configured() bool {
	return p.cfg.AccountSID != "" && p.cfg.APIKey != "" && p.cfg.APIToken != "" && p.cfg.CallerID != ""
}

// exotelConnectResponse is the XML body returned by Calls/connect.
type exotelConnectResponse struct {
	Call struct {
		Sid    string `xml:"Sid"`
		Status string `xml:"Status"`
	} `xml:"Call"`
}

func (p *ExotelProvider) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	if err := req.Validate(); err != nil {
		return ConnectResult{}, err
	}
	if !p.configured() {
		return ConnectResult{}, ErrNotConfigured
	}

	form := url.Values{}
	// Numbers are dialed with the domestic trunk prefix.
	form.Set("From", "0"+req.From)
	form.Set("To", "0"+req.To)
	form.Set("CallerId", p.cfg.CallerID)
	form.Set("CallType", "trans")

	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect", p.cfg.BaseURL, url.PathEscape(p.cfg.AccountSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ConnectResult{}, fmt.Errorf("telephony: build connect request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.cfg.APIKey, p.cfg.APIToken)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("telephony: connect request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ConnectResult{}, fmt.Errorf("telephony: read connect response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ConnectResult{}, fmt.Errorf("%w: status %d", ErrConnectRefused, resp.StatusCode)
	}

	// A call was accepted even if the body cannot be decoded.
	var parsed exotelConnectResponse
	_ = xml.Unmarshal(body, &parsed)
	return ConnectResult{ProviderCallID: parsed.Call.Sid, Status: parsed.Call.Status}, nil
}
