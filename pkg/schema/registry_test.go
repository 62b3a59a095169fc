package schema

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeSchema(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+schemaExt), []byte(content), 0o644))
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	wd := t.TempDir()
	return NewRegistry(Config{WorkingDir: wd, Logger: testLogger()}), wd
}

const personSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"address": {"$ref": "address.json"}
	}
}`

func TestRegistry_ValidateWithAuxReference(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "person", personSchema)
	writeSchema(t, AuxDir(wd, "n1"), "address", `{"type":"object","required":["city"]}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))
	assert.True(t, r.HasNamespace("n1"))
	assert.Equal(t, []string{"person"}, r.NodeTypes("n1"))
	assert.Equal(t, []string{"address"}, r.AuxiliaryIDs("n1"))

	report, err := r.Validate("n1", "person", []byte(`{"name":"ada","address":{"city":"x"}}`))
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Valid())

	report, err = r.Validate("n1", "person", []byte(`{"address":{"city":"x"}}`))
	require.NoError(t, err)
	require.False(t, report.Valid())
	assert.Contains(t, report.First().Message, "name")
	assert.Equal(t, "/", report.First().Location)

	report, err = r.Validate("n1", "person", []byte(`{"name":"ada","address":{}}`))
	require.NoError(t, err)
	require.False(t, report.Valid())
	assert.Equal(t, "/address", report.First().Location)
	assert.Contains(t, report.First().Message, "city")
}

func TestRegistry_ValidateWithoutSchema(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "person", personSchema)
	writeSchema(t, AuxDir(wd, "n1"), "address", `{}`)
	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))

	report, err := r.Validate("n1", "unknown_type", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, report)

	report, err = r.Validate("other", "person", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestRegistry_UnparseablePrimaryHasNoValidator(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "broken", `{"type":`)
	writeSchema(t, PrimaryDir(wd, "n1"), "fine", `{"type":"object"}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))
	assert.Equal(t, []string{"fine"}, r.NodeTypes("n1"))

	report, err := r.Validate("n1", "broken", []byte(`"anything"`))
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestRegistry_Draft3SchemasAreUpgraded(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "doc", `{
		"$schema": "http://json-schema.org/draft-03/schema#",
		"type": "object",
		"properties": {
			"title": {"type": "string", "required": true},
			"size": {"type": "integer", "divisibleBy": 2},
			"owner": {"extends": {"$ref": "person.json"}}
		}
	}`)
	writeSchema(t, AuxDir(wd, "n1"), "person", `{
		"$schema": "http://json-schema.org/draft-03/schema#",
		"type": "object",
		"properties": {"name": {"type": "string", "required": true}}
	}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))

	valid := func(meta string) bool {
		t.Helper()
		report, err := r.Validate("n1", "doc", []byte(meta))
		require.NoError(t, err)
		require.NotNil(t, report)
		return report.Valid()
	}
	assert.True(t, valid(`{"title":"a","size":4,"owner":{"name":"ada"}}`))
	assert.False(t, valid(`{"size":4}`), "required title")
	assert.False(t, valid(`{"title":"a","size":3}`), "divisibleBy")
	assert.False(t, valid(`{"title":"a","owner":{}}`), "extended schema")
}

func TestUpgradeDraft3(t *testing.T) {
	doc := map[string]any{
		"$schema":  "http://json-schema.org/draft-03/schema",
		"required": []any{"a"},
		"properties": map[string]any{
			"a": map[string]any{"type": "string"},
			"b": map[string]any{"type": "string", "required": true},
			"c": map[string]any{"type": "string", "required": false},
		},
		"dependencies": map[string]any{"b": "a"},
		"extends":      "base.json",
	}
	require.True(t, isDraft3(doc))

	up := upgradeDraft3(doc).(map[string]any)
	assert.Equal(t, draft4URI, up["$schema"])
	assert.ElementsMatch(t, []any{"a", "b"}, up["required"])
	assert.NotContains(t, up["properties"].(map[string]any)["c"], "required")
	assert.Equal(t, []any{"a"}, up["dependencies"].(map[string]any)["b"])
	assert.Equal(t, []any{map[string]any{"$ref": "base.json"}}, up["allOf"])

	// the input is left alone
	assert.Equal(t, "http://json-schema.org/draft-03/schema", doc["$schema"])
	assert.Equal(t, true, doc["properties"].(map[string]any)["b"].(map[string]any)["required"])

	assert.False(t, isDraft3(map[string]any{"$schema": draft4URI}))
	assert.False(t, isDraft3("nope"))
}

func TestRegistry_CyclicAuxReferencesTerminate(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "tree", `{"$ref":"a.json"}`)
	writeSchema(t, AuxDir(wd, "n1"), "a", `{"type":"object","properties":{"b":{"$ref":"b.json"}}}`)
	writeSchema(t, AuxDir(wd, "n1"), "b", `{"type":"object","properties":{"a":{"$ref":"a.json#"}}}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))
	assert.Equal(t, []string{"b", "a"}, r.AuxiliaryIDs("n1"))

	report, err := r.Validate("n1", "tree", []byte(`{"b":{"a":{"b":{}}}}`))
	require.NoError(t, err)
	assert.True(t, report.Valid())

	report, err = r.Validate("n1", "tree", []byte(`{"b":{"a":3}}`))
	require.NoError(t, err)
	require.False(t, report.Valid())
	assert.Equal(t, "/b/a", report.First().Location)
}

func TestRegistry_AuxRegisteredAfterReferences(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "t", `{"$ref":"c"}`)
	writeSchema(t, AuxDir(wd, "n1"), "c", `{"allOf":[{"$ref":"d.json"},{"$ref":"e.json"}]}`)
	writeSchema(t, AuxDir(wd, "n1"), "d", `{"$ref":"e.json"}`)
	writeSchema(t, AuxDir(wd, "n1"), "e", `{"type":"object"}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))

	order := r.AuxiliaryIDs("n1")
	require.Len(t, order, 3)
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["e"], pos["d"])
	assert.Less(t, pos["d"], pos["c"])
}

func TestRegistry_MissingAuxIsTolerated(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "t", `{"properties":{"x":{"$ref":"gone.json"}}}`)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))
	assert.Empty(t, r.AuxiliaryIDs("n1"))

	report, err := r.Validate("n1", "t", []byte(`{"x":1}`))
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Valid())
	assert.Contains(t, report.First().Message, "could not be compiled")
}

func TestRegistry_EmptyNamespace(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.LoadNamespace(context.Background(), "n1"))
	assert.True(t, r.HasNamespace("n1"))
	assert.Empty(t, r.NodeTypes("n1"))
}

func TestRegistry_LoadAll(t *testing.T) {
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "a"), "t", `{}`)
	writeSchema(t, PrimaryDir(wd, "b"), "t", `{}`)

	names, err := ListNamespaces(wd)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, r.LoadAll(context.Background(), names))
	assert.Equal(t, []string{"a", "b"}, r.Namespaces())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.LoadAll(ctx, []string{"a"}), context.Canceled)
}

func TestRegistry_InsertAndDeleteSchema(t *testing.T) {
	ctx := context.Background()
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "person", `{"type":"object"}`)
	require.NoError(t, r.LoadNamespace(ctx, "n1"))

	// replacing an existing primary
	require.NoError(t, r.InsertSchema(ctx, "n1", "person", []byte(`{"type":"object","required":["name"]}`), KindAuto))
	report, err := r.Validate("n1", "person", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, report.Valid())

	// a new node type
	require.NoError(t, r.InsertSchema(ctx, "n1", "place", []byte(`{"$ref":"geo"}`), KindPrimary))
	report, err = r.Validate("n1", "place", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, report.Valid(), "geo is not registered yet")

	require.NoError(t, r.InsertSchema(ctx, "n1", "geo", []byte(`{"type":"object"}`), KindAuto))
	assert.Equal(t, []string{"geo"}, r.AuxiliaryIDs("n1"))
	report, err = r.Validate("n1", "place", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, report.Valid())

	r.DeleteSchema("n1", "person", KindAuto)
	report, err = r.Validate("n1", "person", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, report)

	r.DeleteSchema("n1", "geo", KindAuto)
	assert.Empty(t, r.AuxiliaryIDs("n1"))

	// unknown ids and namespaces are ignored
	r.DeleteSchema("n1", "nothing", KindAuto)
	r.DeleteSchema("nowhere", "person", KindAuto)
	require.NoError(t, r.InsertSchema(ctx, "nowhere", "x", []byte(`{}`), KindAuto))
	assert.False(t, r.HasNamespace("nowhere"))

	assert.Error(t, r.InsertSchema(ctx, "n1", "x", []byte(`{`), KindAuto))
}

func TestRegistry_InsertResolvesReferencesFromDisk(t *testing.T) {
	ctx := context.Background()
	r, wd := newTestRegistry(t)
	require.NoError(t, r.LoadNamespace(ctx, "n1"))

	writeSchema(t, AuxDir(wd, "n1"), "later", `{"type":"string"}`)
	require.NoError(t, r.InsertSchema(ctx, "n1", "t", []byte(`{"properties":{"v":{"$ref":"later.json"}}}`), KindPrimary))

	report, err := r.Validate("n1", "t", []byte(`{"v":1}`))
	require.NoError(t, err)
	require.False(t, report.Valid())
	assert.Equal(t, "/v", report.First().Location)
}

func TestRegistry_ProcessSchemaChange(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	require.NoError(t, r.LoadNamespace(ctx, "n1"))

	change, ok, err := DecodeChangeMessage([]byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"insertion","json":{"type":"array"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	r.ProcessSchemaChange(ctx, change)

	// an unknown name inserts an auxiliary schema
	assert.Equal(t, []string{"t"}, r.AuxiliaryIDs("n1"))

	r.ProcessSchemaChange(ctx, SchemaChange{Op: OpInsert, Namespace: "n1", ID: "t", Kind: KindPrimary, Document: []byte(`{"type":"array"}`)})
	report, err := r.Validate("n1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, report.Valid())

	change, ok, err = DecodeChangeMessage([]byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"deletion"}`))
	require.NoError(t, err)
	require.True(t, ok)
	r.ProcessSchemaChange(ctx, change)

	report, err = r.Validate("n1", "t", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, []string{"t"}, r.AuxiliaryIDs("n1"))

	// broken changes are logged, never fatal
	r.ProcessSchemaChange(ctx, SchemaChange{Op: OpInsert, Namespace: "n1", ID: "x", Document: []byte(`{`)})
	r.ProcessSchemaChange(ctx, SchemaChange{})
}

func TestRegistry_ConcurrentValidationDuringMutation(t *testing.T) {
	ctx := context.Background()
	r, wd := newTestRegistry(t)
	writeSchema(t, PrimaryDir(wd, "n1"), "t", `{"type":"object"}`)
	require.NoError(t, r.LoadNamespace(ctx, "n1"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				report, err := r.Validate("n1", "t", []byte(`{}`))
				assert.NoError(t, err)
				assert.NotNil(t, report)
			}
		}()
	}
	for j := 0; j < 20; j++ {
		require.NoError(t, r.InsertSchema(ctx, "n1", "t", []byte(`{"type":"object"}`), KindPrimary))
	}
	wg.Wait()
}

func TestDecodeChangeMessage(t *testing.T) {
	_, ok, err := DecodeChangeMessage([]byte(`{"cmd":"reload"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeChangeMessage([]byte(`nope`))
	assert.Error(t, err)

	_, ok, err = DecodeChangeMessage([]byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"upsert"}`))
	assert.True(t, ok)
	assert.Error(t, err)

	_, _, err = DecodeChangeMessage([]byte(`{"cmd":"schema_change","ns":"n1","name":"t","type":"insertion"}`))
	assert.Error(t, err)

	_, _, err = DecodeChangeMessage([]byte(`{"cmd":"schema_change","name":"t","type":"deletion"}`))
	assert.Error(t, err)
}

func TestExtractRefNames(t *testing.T) {
	doc, err := parseSchema([]byte(`{
		"$ref": "base.json#/definitions/x",
		"extends": "legacy",
		"definitions": {"local": {"$ref": "#/definitions/other"}},
		"items": [{"$ref": "http://example.com/schemas/item.json"}, {"$ref": "base"}],
		"properties": {"$ref": {"type": "string"}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "item", "legacy"}, ExtractRefNames(doc))
	assert.Empty(t, ExtractRefNames(map[string]any{}))
}

func TestListNamespaces(t *testing.T) {
	wd := t.TempDir()
	names, err := ListNamespaces(wd)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, os.MkdirAll(NamespaceDir(wd, "zeta"), 0o755))
	require.NoError(t, os.MkdirAll(NamespaceDir(wd, "alpha"), 0o755))
	require.NoError(t, os.MkdirAll(NamespaceDir(wd, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wd, namespacesDir, "file"), []byte("x"), 0o644))

	names, err = ListNamespaces(wd)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}
