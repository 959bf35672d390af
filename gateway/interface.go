package gateway

import (
	"net"
	"net/http"

	"github.com/penguintechinc/killkrill-sub000/component"
)

// Gateway is a component that serves the HTTP route table.
type Gateway interface {
	component.Component

	// Handler returns the routed handler, usable without a listener.
	Handler() http.Handler

	// Addr is the bound listener address, nil before Start.
	Addr() net.Addr
}
