package middleware

import "github.com/aretw0/binlens/pkg/ports"

// Middleware allows wrapping an Archive to add behavior.
type Middleware func(ports.Archive) ports.Archive

// Chain applies mws to next so that the first middleware sees records first.
func Chain(next ports.Archive, mws ...Middleware) ports.Archive {
	for i := len(mws) - 1; i >= 0; i-- {
		next = mws[i](next)
	}
	return next
}
