package response

import (
	"context"

	"github.com/giantswarm/oauth-provider/device"
	"github.com/giantswarm/oauth-provider/validation"
)

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 response body.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceAuthorizationResponseGenerator starts device flows.
type DeviceAuthorizationResponseGenerator struct {
	flow *device.Flow
}

// NewDeviceAuthorizationResponseGenerator creates a generator over flow.
func NewDeviceAuthorizationResponseGenerator(flow *device.Flow) *DeviceAuthorizationResponseGenerator {
	return &DeviceAuthorizationResponseGenerator{flow: flow}
}

// Process stores a new device authorization and returns its codes.
func (g *DeviceAuthorizationResponseGenerator) Process(ctx context.Context, req *validation.ValidatedDeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	auth, err := g.flow.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return &DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               int(auth.ExpiresIn.Seconds()),
		Interval:                int(auth.Interval.Seconds()),
	}, nil
}
