package config

import (
	"github.com/PleXone2019/nzbcore/internal/domain"
	"github.com/google/uuid"
)

// NewsServers converts the on-disk server records into the domain model
// the pool consumes. A server record with no configured id gets a
// generated one, so the pool and the persisted queue always have a
// stable key to match a connection back to its server.
func (c *Config) NewsServers() []*domain.NewsServer {
	out := make([]*domain.NewsServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, &domain.NewsServer{
			ID:             id,
			Host:           s.Host,
			Port:           s.Port,
			Username:       s.Username,
			Password:       s.Password,
			TLS:            s.TLS,
			JoinGroup:      s.JoinGroup,
			Level:          s.Level,
			Group:          s.Group,
			MaxConnections: s.MaxConnections,
			ConnectTimeout: c.ConnectionTimeout,
		})
	}
	return out
}
