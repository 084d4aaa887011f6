package connection

import "errors"

// ErrConnect covers dial failures, TLS handshake errors, and unexpected
// greeting lines. Maps to domain.StatusConnectError at the session layer.
var ErrConnect = errors.New("connect error")

// ErrAuth means AUTHINFO USER/PASS was rejected.
var ErrAuth = errors.New("authentication failed")

// ErrNotConnected means an operation was attempted before Connect or
// after Disconnect.
var ErrNotConnected = errors.New("not connected")

// ErrCancelled means Cancel() interrupted a pending read, write, or
// connect.
var ErrCancelled = errors.New("connection cancelled")
