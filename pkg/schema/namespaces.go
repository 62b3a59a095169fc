package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	namespacesDir = "namespaces"
	primaryDir    = "schemas"
	auxDir        = "aux"
	schemaExt     = ".json"
)

// ListNamespaces returns the namespaces configured below workingDir, one per
// directory in <workingDir>/namespaces.
func ListNamespaces(workingDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(workingDir, namespacesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// NamespaceDir returns the working directory of a namespace.
func NamespaceDir(workingDir, ns string) string {
	return filepath.Join(workingDir, namespacesDir, ns)
}

// PrimaryDir returns the directory holding the node type schemas of ns.
func PrimaryDir(workingDir, ns string) string {
	return filepath.Join(NamespaceDir(workingDir, ns), primaryDir)
}

// AuxDir returns the directory holding the auxiliary schemas of ns.
func AuxDir(workingDir, ns string) string {
	return filepath.Join(NamespaceDir(workingDir, ns), auxDir)
}

// schemaID returns the id encoded in a schema file name, or false when the
// file is not a schema.
func schemaID(name string) (string, bool) {
	if filepath.Ext(name) != schemaExt || strings.HasPrefix(name, ".") {
		return "", false
	}
	id := strings.TrimSuffix(name, schemaExt)
	return id, id != ""
}
