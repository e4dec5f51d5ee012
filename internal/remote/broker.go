package remote

import (
	"context"
	"net"
)

// Grant is what a permission broker hands out after the user agreed.
type Grant struct {
	// Conn is the transport to the input emulation service.
	Conn net.Conn
	// Token can be passed to a later request to skip the consent dialog.
	Token string
	// Revoked is closed when the broker ends the session.
	Revoked <-chan struct{}
}

// Broker negotiates access to the input emulation service. Start blocks
// until consent is given, refused, or ctx ends; on ctx expiry it must cancel
// the outstanding request before returning.
type Broker interface {
	Start(ctx context.Context) (Grant, error)
}
