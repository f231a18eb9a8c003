package sshmanager

import (
	"fmt"
	"log"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/sshconn"
)

// SeedResult reports what LoadHosts registered.
type SeedResult struct {
	Added      []string
	Connecting []string
	Errors     []error
}

// LoadHosts registers every entry of a hosts file. Entries with Connect set
// start connecting in the background; the rest are added disconnected. A bad
// entry is reported and skipped without affecting the others. reveal decodes
// sealed passwords and may be nil.
func (m *ConnectionManager) LoadHosts(hosts []config.HostEntry, reveal func(string) (string, error)) SeedResult {
	var res SeedResult
	for i, h := range hosts {
		cfg, err := sshconn.FromHostEntry(h, reveal)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("hosts[%d]: %w", i, err))
			continue
		}

		var id string
		if h.Connect {
			id, err = m.CreateConnection(cfg)
		} else {
			id, err = m.AddConnection(cfg)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("hosts[%d] %q: %w", i, h.Name, err))
			continue
		}
		if h.Connect {
			res.Connecting = append(res.Connecting, id)
		} else {
			res.Added = append(res.Added, id)
		}
	}
	log.Printf("[registry] loaded %d hosts (%d connecting, %d failed)",
		len(res.Added)+len(res.Connecting), len(res.Connecting), len(res.Errors))
	return res
}
