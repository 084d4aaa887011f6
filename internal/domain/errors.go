package domain

import "errors"

// ErrProviderBusy indicates all connections at the requested level are
// leased; the caller should poll rather than fail outright.
var ErrProviderBusy = errors.New("all servers busy")

// ErrArticleNotFound indicates a 43x/42x/41x response from a server.
var ErrArticleNotFound = errors.New("article not found")

// ErrNoServerAvailable means every server at every level has been burned
// for the current article.
var ErrNoServerAvailable = errors.New("no server available")

// ErrCancelled means the connection or worker was cancelled mid-operation.
var ErrCancelled = errors.New("operation cancelled")

// ErrPoolClosed means the pool has been shut down and leases no more
// connections.
var ErrPoolClosed = errors.New("connection pool closed")
