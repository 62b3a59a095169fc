// Package nodestore wires the node lifecycle engine together: the document
// store, the schema registry, the history tracker, the linkage index and the
// node store on top of them.
package nodestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/nodestore/pkg/docstore"
	"github.com/i5heu/nodestore/pkg/history"
	"github.com/i5heu/nodestore/pkg/linkage"
	"github.com/i5heu/nodestore/pkg/node"
	"github.com/i5heu/nodestore/pkg/schema"
	"github.com/i5heu/nodestore/pkg/types"
	workerpool "github.com/i5heu/nodestore/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("nodestore: not started")
	ErrClosed     = errors.New("nodestore: closed")
)

// NodeStore is the main handle. It owns the document store and the lifecycle
// of the background components.
type NodeStore struct {
	log    *logrus.Logger
	config Config

	mu      sync.RWMutex
	docs    *docstore.BadgerStore
	schemas *schema.Registry
	nodes   *node.Store
	links   *linkage.Index
	pool    *workerpool.WorkerPool
	watcher *schema.Watcher

	stop chan struct{}
	bg   sync.WaitGroup

	started   atomic.Bool
	startErr  error
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a handle. It does no I/O; call Start to open the store and
// load the namespaces.
func New(conf Config) (*NodeStore, error) {
	if !conf.InMemory && len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	conf.applyDefaults()
	return &NodeStore{
		log:    conf.Logger,
		config: conf,
		stop:   make(chan struct{}),
	}, nil
}

// Start opens the document store, loads every namespace found below the
// working directory and starts the schema watcher and garbage collection.
// Only the first call has an effect; later calls return its result.
func (ns *NodeStore) Start(ctx context.Context) error {
	ns.startOnce.Do(func() {
		ns.startErr = ns.start(ctx)
		if ns.startErr == nil {
			ns.started.Store(true)
		}
	})
	return ns.startErr
}

func (ns *NodeStore) start(ctx context.Context) error {
	if !ns.config.InMemory {
		if err := os.MkdirAll(ns.config.Paths[0], 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", ns.config.Paths[0], err)
		}
	}

	docs, err := docstore.NewBadgerStore(docstore.StoreConfig{
		Paths:            ns.config.Paths,
		MinimumFreeSpace: ns.config.MinimumFreeGB,
		InMemory:         ns.config.InMemory,
		Logger:           ns.log,
	})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	namespaces, err := schema.ListNamespaces(ns.config.WorkingDir)
	if err != nil {
		_ = docs.Close()
		return err
	}
	schemas := schema.NewRegistry(schema.Config{WorkingDir: ns.config.WorkingDir, Logger: ns.log})
	if err := schemas.LoadAll(ctx, namespaces); err != nil {
		_ = docs.Close()
		return err
	}

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: ns.config.Workers})
	links := linkage.NewIndex(linkage.Config{
		Store:  docs,
		Perms:  ns.config.Perms,
		Pool:   pool,
		Logger: ns.log,
	})
	nodes := node.NewStore(node.Config{
		Store:        docs,
		Schemas:      schemas,
		History:      history.NewTracker(history.Config{Store: docs, Logger: ns.log}),
		Dependencies: links,
		Perms:        ns.config.Perms,
		BaseURL:      ns.config.BaseURL,
		Port:         ns.config.Port,
		Logger:       ns.log,
	})

	var watcher *schema.Watcher
	if ns.config.WatchSchemas {
		watcher, err = schema.NewWatcher(schema.WatcherConfig{
			WorkingDir:  ns.config.WorkingDir,
			Namespaces:  namespaces,
			DebounceDur: ns.config.Debounce,
			Logger:      ns.log,
		})
		if err != nil {
			pool.Close()
			_ = docs.Close()
			return err
		}
		changes, err := watcher.Start()
		if err != nil {
			_ = watcher.Stop()
			pool.Close()
			_ = docs.Close()
			return err
		}
		ns.bg.Add(1)
		go ns.applySchemaChanges(schemas, changes)
	}

	ns.mu.Lock()
	ns.docs = docs
	ns.schemas = schemas
	ns.nodes = nodes
	ns.links = links
	ns.pool = pool
	ns.watcher = watcher
	ns.mu.Unlock()

	if !ns.config.InMemory && ns.config.GarbageCollectionInterval > 0 {
		ns.bg.Add(1)
		go ns.garbageCollection(docs)
	}

	ns.log.WithFields(logrus.Fields{
		"namespaces": len(namespaces),
		"workers":    pool.WorkerCount(),
		"in_memory":  ns.config.InMemory,
	}).Info("nodestore started")
	return nil
}

// Run starts the store, blocks until ctx is canceled and then shuts down
// within a bounded time.
func (ns *NodeStore) Run(ctx context.Context) error {
	if err := ns.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ns.Close(shutdownCtx)
}

// Close stops the background components and closes the document store. It
// is idempotent.
func (ns *NodeStore) Close(ctx context.Context) error {
	var closeErr error
	ns.closeOnce.Do(func() {
		ns.mu.Lock()
		docs, pool, watcher := ns.docs, ns.pool, ns.watcher
		ns.docs, ns.nodes, ns.links, ns.pool, ns.watcher = nil, nil, nil, nil, nil
		ns.mu.Unlock()

		close(ns.stop)
		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("stop schema watcher: %w", err))
			}
		}

		done := make(chan struct{})
		go func() {
			ns.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = errors.Join(closeErr, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
		}

		if pool != nil {
			pool.Close()
		}
		if docs != nil {
			if err := docs.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close document store: %w", err))
			}
		}
		ns.log.Info("nodestore closed")
	})
	return closeErr
}

func (ns *NodeStore) handles() (*node.Store, *linkage.Index, error) {
	if !ns.started.Load() {
		return nil, nil, ErrNotStarted
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ns.nodes == nil {
		return nil, nil, ErrClosed
	}
	return ns.nodes, ns.links, nil
}

func (ns *NodeStore) Create(ctx context.Context, raw []byte) (*node.CreateResult, error) {
	nodes, _, err := ns.handles()
	if err != nil {
		return nil, err
	}
	return nodes.Create(ctx, raw)
}

func (ns *NodeStore) Read(ctx context.Context, id, caller string) (*types.Node, error) {
	nodes, _, err := ns.handles()
	if err != nil {
		return nil, err
	}
	return nodes.Read(ctx, id, caller)
}

func (ns *NodeStore) ReadVersion(ctx context.Context, id string, version int, caller string) (*types.Node, error) {
	nodes, _, err := ns.handles()
	if err != nil {
		return nil, err
	}
	return nodes.ReadVersion(ctx, id, version, caller)
}

func (ns *NodeStore) Update(ctx context.Context, id string, raw []byte, caller string) (int, error) {
	nodes, _, err := ns.handles()
	if err != nil {
		return 0, err
	}
	return nodes.Update(ctx, id, raw, caller)
}

func (ns *NodeStore) Delete(ctx context.Context, id, caller string) error {
	nodes, _, err := ns.handles()
	if err != nil {
		return err
	}
	return nodes.Delete(ctx, id, caller)
}

func (ns *NodeStore) OutLinkage(ctx context.Context, id, caller string) (*types.LinkageReport, error) {
	_, links, err := ns.handles()
	if err != nil {
		return nil, err
	}
	return links.OutLinkage(ctx, id, caller)
}

func (ns *NodeStore) InLinkage(ctx context.Context, id, caller string) (*types.LinkageReport, error) {
	_, links, err := ns.handles()
	if err != nil {
		return nil, err
	}
	return links.InLinkage(ctx, id, caller)
}

// ProcessSchemaChange applies a live schema change. It is fire and forget:
// problems are logged.
func (ns *NodeStore) ProcessSchemaChange(ctx context.Context, change schema.SchemaChange) {
	schemas := ns.registry()
	if schemas == nil {
		ns.log.WithField("schema", change.ID).Warn("schema change before start ignored")
		return
	}
	schemas.ProcessSchemaChange(ctx, change)
}

// ProcessControlMessage handles a raw control message. Messages that are not
// schema changes are ignored.
func (ns *NodeStore) ProcessControlMessage(ctx context.Context, raw []byte) {
	change, ok, err := schema.DecodeChangeMessage(raw)
	if err != nil {
		ns.log.WithError(err).Warn("invalid control message")
		return
	}
	if !ok {
		return
	}
	ns.ProcessSchemaChange(ctx, change)
}

// Namespaces returns the namespaces accepting nodes.
func (ns *NodeStore) Namespaces() []string {
	schemas := ns.registry()
	if schemas == nil {
		return nil
	}
	return schemas.Namespaces()
}

// Schemas exposes the schema registry, nil before Start.
func (ns *NodeStore) Schemas() *schema.Registry {
	return ns.registry()
}

// Counters returns the number of document store reads and writes so far.
func (ns *NodeStore) Counters() (reads, writes uint64) {
	ns.mu.RLock()
	docs := ns.docs
	ns.mu.RUnlock()
	if docs == nil {
		return 0, 0
	}
	return docs.Counters()
}

func (ns *NodeStore) registry() *schema.Registry {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.schemas
}

func (ns *NodeStore) applySchemaChanges(schemas *schema.Registry, changes <-chan schema.SchemaChange) {
	defer ns.bg.Done()
	for change := range changes {
		ns.log.WithFields(logrus.Fields{
			"namespace": change.Namespace,
			"schema":    change.ID,
			"op":        change.Op.String(),
		}).Debug("schema file changed")
		schemas.ProcessSchemaChange(context.Background(), change)
	}
}
