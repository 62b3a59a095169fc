package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

// parseSchema decodes a schema document the way the compiler expects it.
func parseSchema(data []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// readDir returns the schema ids found in dir. A missing directory is empty.
func readDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := schemaID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func readSchemaFile(dir, id string) (any, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+schemaExt))
	if err != nil {
		return nil, err
	}
	doc, err := parseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s%s: %w", id, schemaExt, err)
	}
	return doc, nil
}

// loadPrimaries reads every node type schema of ns. Unparseable files are
// skipped with a warning.
func (r *Registry) loadPrimaries(ns string) (map[string]any, error) {
	dir := PrimaryDir(r.workingDir, ns)
	ids, err := readDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schemas of %s: %w", ns, err)
	}

	primaries := make(map[string]any, len(ids))
	for _, id := range ids {
		doc, err := readSchemaFile(dir, id)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"namespace": ns,
				"node_type": id,
			}).WithError(err).Warn("skipping schema")
			continue
		}
		primaries[id] = doc
	}
	return primaries, nil
}

// loadAux resolves the auxiliary schemas of ns reachable from roots. Every
// auxiliary schema is read and registered at most once, after everything it
// references, so reference cycles terminate. Missing or unparseable files
// are skipped with a warning.
func (r *Registry) loadAux(ctx context.Context, ns string, roots []string) (map[string]any, []string, error) {
	dir := AuxDir(r.workingDir, ns)

	type frame struct {
		id       string
		doc      any
		children []string
	}

	aux := make(map[string]any)
	order := make([]string, 0)
	visited := make(map[string]bool)

	for _, root := range roots {
		if visited[root] {
			continue
		}

		var stack []*frame
		push := func(id string) {
			visited[id] = true
			doc, err := readSchemaFile(dir, id)
			if err != nil {
				r.log.WithFields(logrus.Fields{
					"namespace": ns,
					"schema":    id,
				}).WithError(err).Warn("skipping auxiliary schema")
				return
			}
			stack = append(stack, &frame{id: id, doc: doc, children: ExtractRefNames(doc)})
		}
		push(root)

		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}

			top := stack[len(stack)-1]
			if len(top.children) > 0 {
				next := top.children[0]
				top.children = top.children[1:]
				if !visited[next] {
					push(next)
				}
				continue
			}

			stack = stack[:len(stack)-1]
			aux[top.id] = top.doc
			order = append(order, top.id)
		}
	}
	return aux, order, nil
}

// auxRoots lists the auxiliary schemas a namespace load starts from: every
// file in the aux directory plus everything the primaries reference.
func (r *Registry) auxRoots(ns string, primaries map[string]any) ([]string, error) {
	files, err := readDir(AuxDir(r.workingDir, ns))
	if err != nil {
		return nil, fmt.Errorf("read auxiliary schemas of %s: %w", ns, err)
	}

	seen := make(map[string]bool, len(files))
	roots := make([]string, 0, len(files))
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			roots = append(roots, id)
		}
	}

	types := make([]string, 0, len(primaries))
	for t := range primaries {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for _, ref := range ExtractRefNames(primaries[t]) {
			if _, isPrimary := primaries[ref]; !isPrimary {
				add(ref)
			}
		}
	}
	for _, id := range files {
		add(id)
	}
	return roots, nil
}
