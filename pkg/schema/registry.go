// Package schema holds the per namespace JSON-Schema validation
// environments: one primary schema per node type plus the auxiliary schemas
// they reference, loaded from the working directory and kept current by live
// schema change notifications.
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	WorkingDir string
	Logger     *logrus.Logger
}

// Registry owns one validation environment per namespace. Validations read an
// immutable snapshot; mutations build a replacement and swap it in.
type Registry struct {
	workingDir string
	log        *logrus.Logger

	mu   sync.Mutex // serialises writers
	envs atomic.Pointer[map[string]*environment]
}

func NewRegistry(conf Config) *Registry {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	r := &Registry{
		workingDir: conf.WorkingDir,
		log:        conf.Logger,
	}
	empty := make(map[string]*environment)
	r.envs.Store(&empty)
	return r
}

func (r *Registry) env(ns string) *environment {
	return (*r.envs.Load())[ns]
}

// swap installs env for ns. Callers hold r.mu.
func (r *Registry) swap(ns string, env *environment) {
	old := *r.envs.Load()
	next := make(map[string]*environment, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[ns] = env
	r.envs.Store(&next)
}

// LoadNamespace reads the primary and auxiliary schemas of ns from disk and
// installs a fresh environment for it. The namespace accepts validations
// against the new schemas only once loading has completed.
func (r *Registry) LoadNamespace(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	primaries, err := r.loadPrimaries(ns)
	if err != nil {
		return err
	}
	if len(primaries) == 0 {
		r.log.WithField("namespace", ns).Warn("namespace has no schemas")
	}

	roots, err := r.auxRoots(ns, primaries)
	if err != nil {
		return err
	}
	aux, order, err := r.loadAux(ctx, ns, roots)
	if err != nil {
		return err
	}

	env := newEnvironment(ns, primaries, aux, order, r.log)

	r.mu.Lock()
	r.swap(ns, env)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"namespace":  ns,
		"node_types": len(primaries),
		"aux":        len(aux),
	}).Info("loaded namespace")
	return nil
}

// LoadAll loads the given namespaces in parallel.
func (r *Registry) LoadAll(ctx context.Context, namespaces []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ns := range namespaces {
		ns := ns
		g.Go(func() error {
			if err := r.LoadNamespace(ctx, ns); err != nil {
				return fmt.Errorf("load namespace %s: %w", ns, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// HasNamespace reports whether ns has been loaded.
func (r *Registry) HasNamespace(ns string) bool {
	return r.env(ns) != nil
}

// Namespaces returns the loaded namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	envs := *r.envs.Load()
	names := make([]string, 0, len(envs))
	for ns := range envs {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// NodeTypes returns the node types of ns that have a primary schema.
func (r *Registry) NodeTypes(ns string) []string {
	env := r.env(ns)
	if env == nil {
		return nil
	}
	return env.nodeTypes()
}

// AuxiliaryIDs returns the auxiliary schemas of ns in registration order:
// every schema appears after the schemas it references.
func (r *Registry) AuxiliaryIDs(ns string) []string {
	env := r.env(ns)
	if env == nil {
		return nil
	}
	return append([]string(nil), env.auxOrder...)
}

// Validate checks meta against the schema of (ns, nodeType). A nil report
// means no schema is registered and nothing was validated.
func (r *Registry) Validate(ns, nodeType string, meta []byte) (*Report, error) {
	env := r.env(ns)
	if env == nil {
		return nil, nil
	}
	report, ok, err := env.validate(nodeType, meta)
	if err != nil || !ok {
		return nil, err
	}
	return report, nil
}

// InsertSchema registers or replaces the schema id in ns. Existing nodes are
// not re-validated. References of the new schema that are not registered yet
// are resolved from the auxiliary directory.
func (r *Registry) InsertSchema(ctx context.Context, ns, id string, raw []byte, kind Kind) error {
	doc, err := parseSchema(raw)
	if err != nil {
		return fmt.Errorf("parse schema %s/%s: %w", ns, id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	env := r.env(ns)
	if env == nil {
		r.log.WithFields(logrus.Fields{"namespace": ns, "schema": id}).Warn("schema insert for unknown namespace ignored")
		return nil
	}

	primaries, aux, order := env.sources()
	if kind == KindAuto {
		kind = KindAux
		if _, ok := primaries[id]; ok {
			kind = KindPrimary
		}
	}
	if kind == KindPrimary {
		primaries[id] = doc
	} else {
		aux[id] = doc
		order = appendUnique(order, id)
	}

	var missing []string
	for _, ref := range ExtractRefNames(doc) {
		_, isPrimary := primaries[ref]
		_, isAux := aux[ref]
		if !isPrimary && !isAux {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		loaded, loadedOrder, err := r.loadAux(ctx, ns, missing)
		if err != nil {
			return err
		}
		for _, ref := range loadedOrder {
			if _, ok := aux[ref]; ok {
				continue
			}
			aux[ref] = loaded[ref]
			order = appendUnique(order, ref)
		}
	}

	r.swap(ns, newEnvironment(ns, primaries, aux, order, r.log))
	r.log.WithFields(logrus.Fields{
		"namespace": ns,
		"schema":    id,
		"kind":      kind.String(),
	}).Info("schema inserted")
	return nil
}

// DeleteSchema removes id from ns. With KindAuto a primary schema of that
// name is removed if present, the auxiliary one otherwise. Unknown
// namespaces and ids are ignored.
func (r *Registry) DeleteSchema(ns, id string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := logrus.Fields{"namespace": ns, "schema": id}
	env := r.env(ns)
	if env == nil {
		r.log.WithFields(fields).Warn("schema delete for unknown namespace ignored")
		return
	}

	primaries, aux, order := env.sources()
	_, isPrimary := primaries[id]
	_, isAux := aux[id]

	switch {
	case isPrimary && kind != KindAux:
		delete(primaries, id)
	case isAux && kind != KindPrimary:
		delete(aux, id)
		order = removeID(order, id)
	default:
		r.log.WithFields(fields).Warn("schema delete for unknown schema ignored")
		return
	}

	r.swap(ns, newEnvironment(ns, primaries, aux, order, r.log))
	r.log.WithFields(fields).Info("schema deleted")
}

// ProcessSchemaChange applies a live schema change. Failures are logged; the
// change channel has nobody to report them to.
func (r *Registry) ProcessSchemaChange(ctx context.Context, change SchemaChange) {
	switch change.Op {
	case OpInsert:
		if err := r.InsertSchema(ctx, change.Namespace, change.ID, change.Document, change.Kind); err != nil {
			r.log.WithFields(logrus.Fields{
				"namespace": change.Namespace,
				"schema":    change.ID,
			}).WithError(err).Warn("schema change rejected")
		}
	case OpDelete:
		r.DeleteSchema(change.Namespace, change.ID, change.Kind)
	default:
		r.log.WithField("op", change.Op.String()).Warn("unknown schema change")
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
