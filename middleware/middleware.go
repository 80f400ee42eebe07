// Package middleware wraps the HTTP exchange primitive used for the handshake
// and the poll transport.
//
// Middlewares compose like an onion:
//
//	Chain(A, B, C)(exchange) → A(B(C(exchange)))
//	A.before → B.before → C.before → exchange → C.after → B.after → A.after
package middleware

import (
	"mushroom/protocol"
)

type Middleware func(next protocol.Exchange) protocol.Exchange

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next protocol.Exchange) protocol.Exchange {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
