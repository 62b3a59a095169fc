// Package node implements the node lifecycle: creation, reads of the live
// and of archived versions, optimistic updates and guarded deletion. Every
// operation is a linear pipeline that stops at the first failing step.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spacemonkeygo/monkit/v3"

	"github.com/i5heu/nodestore/pkg/docstore"
	"github.com/i5heu/nodestore/pkg/history"
	"github.com/i5heu/nodestore/pkg/nodeerr"
	"github.com/i5heu/nodestore/pkg/perms"
	"github.com/i5heu/nodestore/pkg/schema"
	"github.com/i5heu/nodestore/pkg/types"
)

var mon = monkit.Package()

// Validator is the part of the schema registry the store needs.
type Validator interface {
	HasNamespace(ns string) bool
	Validate(ns, nodeType string, meta []byte) (*schema.Report, error)
}

// Archive keeps the version history of nodes.
type Archive interface {
	Append(ctx context.Context, nodeID string, version int, content []byte) error
	Fetch(ctx context.Context, nodeID string, version int) ([]byte, bool, error)
	DeleteAll(ctx context.Context, nodeID string) error
}

// DependencyChecker tells whether other nodes link to a node.
type DependencyChecker interface {
	HasDependents(ctx context.Context, nodeID string) (bool, error)
}

type Config struct {
	Store        docstore.Store
	Schemas      Validator
	History      Archive
	Dependencies DependencyChecker
	Perms        perms.Checker
	BaseURL      string
	Port         int
	Logger       *logrus.Logger
}

type Store struct {
	store   docstore.Store
	schemas Validator
	history Archive
	deps    DependencyChecker
	perms   perms.Checker
	baseURL string
	port    int
	log     *logrus.Logger
}

// CreateResult identifies a newly created node.
type CreateResult struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

func NewStore(conf Config) *Store {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.Perms == nil {
		conf.Perms = perms.Policy{}
	}
	return &Store{
		store:   conf.Store,
		schemas: conf.Schemas,
		history: conf.History,
		deps:    conf.Dependencies,
		perms:   conf.Perms,
		baseURL: strings.TrimSuffix(conf.BaseURL, "/"),
		port:    conf.Port,
		log:     conf.Logger,
	}
}

// Location returns the canonical location of a node.
func (s *Store) Location(id string) string {
	if s.port == 0 {
		return fmt.Sprintf("%s/nodes/%s", s.baseURL, id)
	}
	return fmt.Sprintf("%s:%d/nodes/%s", s.baseURL, s.port, id)
}

// Create validates raw and stores it as a new node at version 1.
func (s *Store) Create(ctx context.Context, raw []byte) (_ *CreateResult, err error) {
	defer mon.Task()(&ctx)(&err)
	defer func() { err = nodeerr.Boundary(err) }()

	s.log.Debug("create node")

	n, _, err := parseDocument(raw, false)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, n); err != nil {
		return nil, err
	}

	body, err := n.Body()
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.store.Create(ctx, body)
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}
	n.ID = doc.ID
	n.Ver, err = docstore.VersionFromRevision(doc.Rev)
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}

	fields := logrus.Fields{"node_id": n.ID, "ns": n.NS, "node_type": n.NodeType, "version": n.Ver}
	if err := s.archive(ctx, n, fields); err != nil {
		return nil, err
	}

	s.log.WithFields(fields).Info("node created")
	return &CreateResult{ID: n.ID, Location: s.Location(n.ID)}, nil
}

// Read returns the live node.
func (s *Store) Read(ctx context.Context, id, caller string) (_ *types.Node, err error) {
	defer mon.Task()(&ctx)(&err)
	defer func() { err = nodeerr.Boundary(err) }()

	n, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.perms.CanRead(caller, n) {
		return nil, nodeerr.ForbiddenRead.New("%s may not read %s", caller, id)
	}
	return n, nil
}

// ParseVersion parses a version as given by a client.
func ParseVersion(v string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || version < 1 {
		return 0, nodeerr.InvalidVersion.New("%q is not a positive integer", v)
	}
	return version, nil
}

// ReadVersion returns the node as it was at version. The live version has no
// snapshot until it is superseded and is served from the node itself.
func (s *Store) ReadVersion(ctx context.Context, id string, version int, caller string) (_ *types.Node, err error) {
	defer mon.Task()(&ctx)(&err)
	defer func() { err = nodeerr.Boundary(err) }()

	if version < 1 {
		return nil, nodeerr.InvalidVersion.New("%d is not a positive integer", version)
	}

	content, ok, err := s.history.Fetch(ctx, id, version)
	if err != nil {
		return nil, nodeerr.Internal.Wrap(err)
	}

	var n *types.Node
	if ok {
		n, err = decodeSnapshot(id, version, content)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"node_id": id,
				"version": version,
			}).WithError(err).Warn("corrupted history snapshot")
			return nil, nodeerr.NotFound.New("version %d of %s", version, id)
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err = s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.Ver != version {
			return nil, nodeerr.NotFound.New("version %d of %s", version, id)
		}
	}

	if !s.perms.CanRead(caller, n) {
		return nil, nodeerr.ForbiddenRead.New("%s may not read %s", caller, id)
	}
	return n, nil
}

// Update replaces the node with raw when raw carries the current ver and
// returns the new ver. The superseded version is archived afterwards.
func (s *Store) Update(ctx context.Context, id string, raw []byte, caller string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	defer func() { err = nodeerr.Boundary(err) }()

	fields := logrus.Fields{"node_id": id, "caller": caller}
	s.log.WithFields(fields).Debug("update node")

	next, believed, err := parseDocument(raw, true)
	if err != nil {
		return 0, err
	}
	if err := s.validate(ctx, next); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	current, rev, err := s.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if !s.perms.CanWrite(caller, current) {
		return 0, nodeerr.ForbiddenWrite.New("%s may not write %s", caller, id)
	}
	if believed != current.Ver {
		return 0, nodeerr.VersionConflict.New("%s is at version %d, not %d", id, current.Ver, believed)
	}

	next.ID = id
	body, err := next.Body()
	if err != nil {
		return 0, nodeerr.Internal.Wrap(err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	saved, err := s.store.Save(ctx, id, rev, body)
	switch {
	case errors.Is(err, docstore.ErrConflict):
		return 0, nodeerr.WriteConflict.New("%s was changed concurrently, retry", id)
	case errors.Is(err, docstore.ErrNotFound):
		return 0, nodeerr.NotFound.New("node %s", id)
	case err != nil:
		return 0, nodeerr.Internal.Wrap(err)
	}
	next.Ver, err = docstore.VersionFromRevision(saved.Rev)
	if err != nil {
		return 0, nodeerr.Internal.Wrap(err)
	}

	fields["version"] = current.Ver
	if err := s.archive(ctx, current, fields); err != nil {
		return 0, err
	}

	fields["version"] = next.Ver
	s.log.WithFields(fields).Info("node updated")
	return next.Ver, nil
}

// Delete removes a node nobody else links to, together with its history.
func (s *Store) Delete(ctx context.Context, id, caller string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer func() { err = nodeerr.Boundary(err) }()

	fields := logrus.Fields{"node_id": id, "caller": caller}
	s.log.WithFields(fields).Debug("delete node")

	if id == "" {
		return nodeerr.InvalidArgument.New("node id required")
	}
	dependents, err := s.deps.HasDependents(ctx, id)
	if err != nil {
		return err
	}
	if dependents {
		return nodeerr.DependencyExists.New("other nodes link to %s", id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	current, rev, err := s.load(ctx, id)
	if nodeerr.NotFound.Has(err) {
		return nodeerr.Unprocessable.New("unknown node %s", id)
	}
	if err != nil {
		return err
	}
	if !s.perms.CanWrite(caller, current) {
		return nodeerr.ForbiddenWrite.New("%s may not delete %s", caller, id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	err = s.store.RemoveUnlinked(ctx, id, rev)
	switch {
	case errors.Is(err, docstore.ErrLinked):
		return nodeerr.DependencyExists.New("other nodes link to %s", id)
	case errors.Is(err, docstore.ErrConflict):
		return nodeerr.WriteConflict.New("%s was changed concurrently, retry", id)
	case errors.Is(err, docstore.ErrNotFound):
		return nodeerr.Unprocessable.New("unknown node %s", id)
	case err != nil:
		return nodeerr.Internal.Wrap(err)
	}

	if err := s.history.DeleteAll(ctx, id); err != nil {
		s.log.WithFields(fields).WithError(err).Warn("could not delete node history")
	}

	s.log.WithFields(fields).Info("node deleted")
	return nil
}

// validate runs the namespace and schema checks shared by create and update.
func (s *Store) validate(ctx context.Context, n *types.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.schemas.HasNamespace(n.NS) {
		return nodeerr.UnrecognizedNamespace.New("%s", n.NS)
	}

	report, err := s.schemas.Validate(n.NS, n.NodeType, n.Meta)
	if err != nil {
		return nodeerr.MalformedDocument.Wrap(err)
	}
	if !report.Valid() {
		s.log.WithFields(logrus.Fields{
			"ns":        n.NS,
			"node_type": n.NodeType,
		}).Debug("meta rejected by schema")
		return nodeerr.SchemaValidation.New("%s", report.Error())
	}
	return nil
}

// load fetches the live node and its revision without checking permissions.
func (s *Store) load(ctx context.Context, id string) (*types.Node, string, error) {
	if id == "" {
		return nil, "", nodeerr.InvalidArgument.New("node id required")
	}
	doc, err := s.store.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, "", nodeerr.NotFound.New("node %s", id)
	}
	if err != nil {
		return nil, "", nodeerr.Internal.Wrap(err)
	}

	ver, err := docstore.VersionFromRevision(doc.Rev)
	if err != nil {
		return nil, "", nodeerr.Internal.Wrap(err)
	}
	n, err := types.DecodeNode(doc.ID, ver, doc.Body)
	if err != nil {
		return nil, "", nodeerr.Internal.Wrap(err)
	}
	// history documents share the id space but are not nodes
	if n.NS == "" {
		return nil, "", nodeerr.NotFound.New("node %s", id)
	}
	return n, doc.Rev, nil
}

// archive writes the snapshot of n at n.Ver. A failure leaves the node ahead
// of its history, which is reported distinctly from ordinary errors.
// Version 1 is archived on creation already; a snapshot that exists is never
// rewritten.
func (s *Store) archive(ctx context.Context, n *types.Node, fields logrus.Fields) error {
	snapshot, err := n.Marshal()
	if err == nil {
		err = s.history.Append(ctx, n.ID, n.Ver, snapshot)
	}
	if errors.Is(err, history.ErrCollision) {
		s.log.WithFields(fields).Debug("snapshot already archived")
		return nil
	}
	if err != nil {
		s.log.WithFields(fields).WithField("history_gap", true).WithError(err).Error("node written without history snapshot")
		return nodeerr.HistoryGap.Wrap(err)
	}
	return nil
}

func decodeSnapshot(id string, version int, content []byte) (*types.Node, error) {
	var n types.Node
	if err := json.Unmarshal(content, &n); err != nil {
		return nil, err
	}
	if n.NS == "" {
		return nil, fmt.Errorf("snapshot of %s v%d has no namespace", id, version)
	}
	n.ID = id
	n.Ver = version
	return &n, nil
}

var _ Archive = (*history.Tracker)(nil)
