package telephony

import (
	"context"
	"errors"
	"regexp"
)

// Provider places bridged PSTN calls: the provider rings From first and,
// once answered, dials To. It is the fallback when an in-app call cannot
// reach the other party.
//
// Rules:
// - No provider API calls outside telephony adapters.
// - Numbers are validated before they reach a provider.
type Provider interface {
	Name() string
	Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error)
}

// ConnectRequest is a click-to-call between two Indian mobile numbers.
type ConnectRequest struct {
	// From is rung first; To is dialed once From answers. Both are
	// ten-digit mobile numbers without country or trunk prefix.
	From string `json:"from"`
	To   string `json:"to"`

	// OrderID is optional context passed through to logs and audit.
	OrderID string `json:"order_id,omitempty"`
}

// ConnectResult describes an accepted connect request.
type ConnectResult struct {
	// ProviderCallID may be empty if the provider response had no call id.
	ProviderCallID string `json:"provider_call_id,omitempty"`
	Status         string `json:"status,omitempty"`
}

var (
	ErrInvalidMobile  = errors.New("telephony: invalid mobile number")
	ErrNotConfigured  = errors.New("telephony: provider not configured")
	ErrConnectRefused = errors.New("telephony: provider refused connect")
)

var mobilePattern = regexp.MustCompile(`^[6-9][0-9]{9}$`)

// ValidMobile reports whether n is a ten-digit Indian mobile number.
func ValidMobile(n string) bool { return mobilePattern.MatchString(n) }

// Validate checks both numbers.
func (r ConnectRequest) Validate() error {
	if !ValidMobile(r.From) || !ValidMobile(r.To) {
		return ErrInvalidMobile
	}
	return nil
}
