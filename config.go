package nodestore

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/nodestore/pkg/perms"
)

// Config configures a NodeStore. Only Paths[0] is used at the moment.
type Config struct {
	// WorkingDir holds the namespaces/ tree with the schema files.
	WorkingDir string
	// Paths contains data directories. Ignored when InMemory is set.
	Paths         []string
	MinimumFreeGB int
	InMemory      bool
	// BaseURL and Port build the location returned on create.
	BaseURL string
	Port    int
	// WatchSchemas reloads schema files when they change on disk.
	WatchSchemas bool
	Debounce     time.Duration
	// Workers sizes the pool used for linkage lookups, 0 picks a default.
	Workers                   int
	GarbageCollectionInterval time.Duration
	// Perms decides read and write access. Defaults to an ACL policy without
	// admins.
	Perms  perms.Checker
	Logger *logrus.Logger
}

func (c *Config) applyDefaults() {
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost"
	}
	if c.Perms == nil {
		c.Perms = perms.Policy{}
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}
