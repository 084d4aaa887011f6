// Package server implements the NewsServer connection pool: per-server
// concurrency budgeting and multi-level failover-aware leasing.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/PleXone2019/nzbcore/internal/connection"
	"github.com/PleXone2019/nzbcore/internal/domain"
)

// pollInterval is how often a blocked getConnection re-checks for a free
// slot; short enough to stay responsive to cancellation, per the
// cooperative-wait requirement.
const pollInterval = 5 * time.Millisecond

type leasedServer struct {
	server *domain.NewsServer
	sem    chan struct{}

	mu   sync.Mutex
	idle []*connection.Connection // warm, already-connected, currently unleased
}

// Lease is a connection handed to exactly one worker until freed.
type Lease struct {
	Conn   *connection.Connection
	Server *domain.NewsServer
}

// Pool leases connections honoring per-server concurrency limits and
// implements the multi-level failover the ArticleDownloader drives.
type Pool struct {
	mu      sync.RWMutex
	servers []*leasedServer
	maxLvl  int
	closed  bool
}

// New builds a pool from a static server list. Order is preserved for
// servers()/iteration; level/group bookkeeping is derived from the
// server records themselves.
func New(servers []*domain.NewsServer) *Pool {
	p := &Pool{}
	for _, s := range servers {
		p.servers = append(p.servers, &leasedServer{
			server: s,
			sem:    make(chan struct{}, max(1, s.MaxConnections)),
		})
		if s.Level > p.maxLvl {
			p.maxLvl = s.Level
		}
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// MaxLevel is the largest level value across known servers.
func (p *Pool) MaxLevel() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxLvl
}

// Servers returns a read-only snapshot of the configured servers.
func (p *Pool) Servers() []*domain.NewsServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*domain.NewsServer, 0, len(p.servers))
	for _, ls := range p.servers {
		out = append(out, ls.server)
	}
	return out
}

// Close marks the pool closed; blocked getConnection calls return
// ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// candidates returns servers at level that are not burned, honoring
// group equivalence, optionally restricted to exactly wantServer.
func (p *Pool) candidates(level int, wantServer string, failedServers map[string]bool) []*leasedServer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*leasedServer
	for _, ls := range p.servers {
		if ls.server.Level != level {
			continue
		}
		if wantServer != "" && ls.server.ID != wantServer {
			continue
		}
		if burned(ls.server, failedServers, p.servers) {
			continue
		}
		out = append(out, ls)
	}
	return out
}

// burned reports whether s is unusable given failedServers, treating any
// server sharing s's group as an equivalent failure.
func burned(s *domain.NewsServer, failedServers map[string]bool, all []*leasedServer) bool {
	if failedServers[s.ID] {
		return true
	}
	for id := range failedServers {
		for _, ls := range all {
			if ls.server.ID == id && ls.server.SameGroup(s) {
				return true
			}
		}
	}
	return false
}

// AllBurnedAtLevel reports whether every server at level is present in
// failedServers (by group), i.e. the dispatcher must advance to the next
// level or terminate.
func (p *Pool) AllBurnedAtLevel(level int, failedServers map[string]bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	found := false
	for _, ls := range p.servers {
		if ls.server.Level != level {
			continue
		}
		found = true
		if !burned(ls.server, failedServers, p.servers) {
			return false
		}
	}
	return found
}

// GetConnection blocks (cooperatively, polling at pollInterval) until a
// connection is available at level, not in failedServers, matching
// wantServer if set. It prefers reusing a warm idle connection.
func (p *Pool) GetConnection(ctx context.Context, level int, wantServer string, failedServers map[string]bool) (*Lease, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			return nil, domain.ErrPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, domain.ErrCancelled
		default:
		}

		for _, ls := range p.candidates(level, wantServer, failedServers) {
			select {
			case ls.sem <- struct{}{}:
				conn := ls.popIdle()
				if conn == nil {
					conn = connection.New(ls.server.Host, ls.server.Port, ls.server.TLS)
					conn.Username = ls.server.Username
					conn.Password = ls.server.Password
					if ls.server.ConnectTimeout > 0 {
						conn.ConnectTimeout = ls.server.ConnectTimeout
					}
					if ls.server.ReadTimeout > 0 {
						conn.ReadTimeout = ls.server.ReadTimeout
					}
				}
				return &Lease{Conn: conn, Server: ls.server}, nil
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrCancelled
		case <-ticker.C:
		}
	}
}

// FreeConnection returns a leased connection to the pool. If
// keepConnected is false, or the connection was Cancelled, it is
// disconnected first rather than kept warm.
func (p *Pool) FreeConnection(lease *Lease, keepConnected bool) {
	if lease == nil {
		return
	}
	p.mu.RLock()
	var ls *leasedServer
	for _, s := range p.servers {
		if s.server.ID == lease.Server.ID {
			ls = s
			break
		}
	}
	p.mu.RUnlock()
	if ls == nil {
		return
	}

	if !keepConnected || lease.Conn.State() == connection.Cancelled {
		lease.Conn.Disconnect()
	} else {
		ls.pushIdle(lease.Conn)
	}
	<-ls.sem
}

func (ls *leasedServer) popIdle() *connection.Connection {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	n := len(ls.idle)
	if n == 0 {
		return nil
	}
	conn := ls.idle[n-1]
	ls.idle = ls.idle[:n-1]
	return conn
}

func (ls *leasedServer) pushIdle(c *connection.Connection) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.idle = append(ls.idle, c)
}

// LeasedCount reports how many connections are currently leased out for
// a server, for testing the budget invariant.
func (p *Pool) LeasedCount(serverID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ls := range p.servers {
		if ls.server.ID == serverID {
			return len(ls.sem)
		}
	}
	return 0
}
