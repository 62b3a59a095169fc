// Package linkage answers reference queries over the forward and reverse
// linkage indices the document store maintains on every node write.
package linkage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spacemonkeygo/monkit/v3"

	"github.com/i5heu/nodestore/pkg/docstore"
	"github.com/i5heu/nodestore/pkg/nodeerr"
	"github.com/i5heu/nodestore/pkg/perms"
	"github.com/i5heu/nodestore/pkg/types"
	workerpool "github.com/i5heu/nodestore/pkg/workerPool"
)

var mon = monkit.Package()

type Config struct {
	Store  docstore.Store
	Perms  perms.Checker
	Pool   *workerpool.WorkerPool
	Logger *logrus.Logger
}

type Index struct {
	store    docstore.Store
	perms    perms.Checker
	pool     *workerpool.WorkerPool
	ownsPool bool
	log      *logrus.Logger
}

func NewIndex(conf Config) *Index {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.Perms == nil {
		conf.Perms = perms.Policy{}
	}
	idx := &Index{
		store: conf.Store,
		perms: conf.Perms,
		pool:  conf.Pool,
		log:   conf.Logger,
	}
	if idx.pool == nil {
		idx.pool = workerpool.NewWorkerPool(workerpool.Config{})
		idx.ownsPool = true
	}
	return idx
}

// Close releases the worker pool if the index created it.
func (idx *Index) Close() {
	if idx.ownsPool {
		idx.pool.Close()
	}
}

// OutLinkage reports the nodes nodeID links to that caller may read. Each
// target appears once, in the order its first edge was found.
func (idx *Index) OutLinkage(ctx context.Context, nodeID, caller string) (_ *types.LinkageReport, err error) {
	defer mon.Task()(&ctx)(&err)

	if nodeID == "" {
		return nil, nodeerr.InvalidArgument.New("node id required")
	}
	edges, err := idx.store.Outbound(ctx, nodeID)
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}

	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.Target)
	}
	return idx.report(ctx, nodeID, caller, ids)
}

// InLinkage reports the nodes linking to nodeID that caller may read.
func (idx *Index) InLinkage(ctx context.Context, nodeID, caller string) (_ *types.LinkageReport, err error) {
	defer mon.Task()(&ctx)(&err)

	if nodeID == "" {
		return nil, nodeerr.InvalidArgument.New("node id required")
	}
	edges, err := idx.store.Inbound(ctx, nodeID)
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}

	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.Source)
	}
	return idx.report(ctx, nodeID, caller, ids)
}

// HasDependents reports whether any node other than nodeID itself links to
// nodeID. It ignores permissions.
func (idx *Index) HasDependents(ctx context.Context, nodeID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if nodeID == "" {
		return false, nodeerr.InvalidArgument.New("node id required")
	}
	edges, err := idx.store.Inbound(ctx, nodeID)
	if err != nil {
		return false, nodeerr.Internal.Wrap(err)
	}
	for _, e := range edges {
		if e.Source != nodeID {
			return true, nil
		}
	}
	return false, nil
}

type fetched struct {
	doc docstore.Document
	err error
}

// report dedups ids, drops nodeID itself, fetches the rest in parallel and
// keeps what caller may read.
func (idx *Index) report(ctx context.Context, nodeID, caller string, ids []string) (*types.LinkageReport, error) {
	ids = Dedup(nodeID, ids)
	if len(ids) == 0 {
		return types.NewLinkageReport(nil), nil
	}

	room := idx.pool.CreateRoom(len(ids))
	for _, id := range ids {
		id := id
		err := room.Submit(ctx, func() any {
			doc, err := idx.store.Get(ctx, id)
			return fetched{doc: doc, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, err
		}
	}
	results := room.Collect()

	nodes := make([]*types.Node, 0, len(results))
	for i, r := range results {
		f := r.(fetched)
		if errors.Is(f.err, docstore.ErrNotFound) {
			idx.log.WithFields(logrus.Fields{
				"node_id": nodeID,
				"target":  ids[i],
			}).Debug("linked node no longer exists")
			continue
		}
		if f.err != nil {
			return nil, nodeerr.Internal.Wrap(f.err)
		}

		n, err := decode(f.doc)
		if err != nil {
			idx.log.WithField("node_id", f.doc.ID).WithError(err).Warn("skipping undecodable linked node")
			continue
		}
		if n.NS == "" || !idx.perms.CanRead(caller, n) {
			continue
		}
		nodes = append(nodes, n)
	}
	return types.NewLinkageReport(nodes), nil
}

func decode(doc docstore.Document) (*types.Node, error) {
	ver, err := docstore.VersionFromRevision(doc.Rev)
	if err != nil {
		return nil, err
	}
	return types.DecodeNode(doc.ID, ver, doc.Body)
}

// Dedup returns ids without duplicates and without self, keeping the order
// of first appearance.
func Dedup(self string, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == self || id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
