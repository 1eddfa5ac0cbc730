// Package connector provides the minimal transport primitive all remote calls
// go through. Components depend on the Caller interface by composition; the
// HTTP implementation normalizes the service's responses (quota headers, error
// taxonomy) so nothing upstream needs to know the vendor's wire quirks.
package connector

import (
	"context"

	"github.com/tado-community/tado-governor/pkg/quota"
)

// Request describes one remote call.
type Request struct {
	Method   string
	Endpoint string
	Payload  any
}

// Response is the normalized outcome of a successful remote call. Quota is nil
// when the service did not publish (or published malformed) quota headers.
type Response struct {
	Status int
	Body   []byte
	Quota  *quota.Info
}

// Caller executes remote calls against the cloud service.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// TokenSource supplies the bearer token for outbound calls. Refresh is invoked
// once when the service rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}
