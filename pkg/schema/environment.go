package schema

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Violation is a single reason a document failed validation.
type Violation struct {
	Message  string `json:"message"`
	Location string `json:"location"`
}

// Report is the outcome of validating one document.
type Report struct {
	Violations []Violation `json:"violations"`
}

func (r *Report) Valid() bool {
	return r == nil || len(r.Violations) == 0
}

// First returns the first violation, or the zero value for a valid report.
func (r *Report) First() Violation {
	if r.Valid() {
		return Violation{}
	}
	return r.Violations[0]
}

func (r *Report) Error() string {
	if r.Valid() {
		return "valid"
	}
	v := r.First()
	if v.Location == "" || v.Location == "/" {
		return v.Message
	}
	return v.Location + ": " + v.Message
}

// environment is an immutable snapshot of the schemas of one namespace.
// Readers load it through an atomic pointer; writers build a new one.
type environment struct {
	ns        string
	primaries map[string]any
	aux       map[string]any
	auxOrder  []string
	compiled  map[string]*jsonschema.Schema
	broken    map[string]error
}

func primaryURL(ns, nodeType string) string {
	return "mem:///" + url.PathEscape(ns) + "/" + primaryDir + "/" + url.PathEscape(nodeType) + schemaExt
}

// auxLoader resolves every reference that is not a primary schema by its
// basename against the auxiliary schemas of the namespace.
type auxLoader map[string]any

func (l auxLoader) Load(loc string) (any, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSuffix(path.Base(u.Path), schemaExt)
	doc, ok := l[id]
	if !ok {
		return nil, fmt.Errorf("auxiliary schema %q not registered", id)
	}
	return doc, nil
}

// newEnvironment compiles every primary schema eagerly. Schemas that fail to
// compile are remembered and reported on use instead of failing the load.
func newEnvironment(ns string, primaries, aux map[string]any, auxOrder []string, log *logrus.Logger) *environment {
	env := &environment{
		ns:        ns,
		primaries: primaries,
		aux:       aux,
		auxOrder:  auxOrder,
		compiled:  make(map[string]*jsonschema.Schema, len(primaries)),
		broken:    make(map[string]error),
	}

	draft3 := func(kind, id string) {
		log.WithFields(logrus.Fields{
			"namespace": ns,
			"schema":    id,
			"kind":      kind,
		}).Warn("draft-03 schema upgraded to draft-04")
	}

	loader := make(auxLoader, len(aux))
	for id, doc := range aux {
		if isDraft3(doc) {
			draft3("aux", id)
			doc = upgradeDraft3(doc)
		}
		loader[id] = doc
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft4)
	c.UseLoader(loader)

	types := make([]string, 0, len(primaries))
	for nodeType, doc := range primaries {
		if isDraft3(doc) {
			draft3("primary", nodeType)
			doc = upgradeDraft3(doc)
		}
		if err := c.AddResource(primaryURL(ns, nodeType), doc); err != nil {
			env.broken[nodeType] = err
			continue
		}
		types = append(types, nodeType)
	}
	sort.Strings(types)

	for _, nodeType := range types {
		sch, err := c.Compile(primaryURL(ns, nodeType))
		if err != nil {
			env.broken[nodeType] = err
			continue
		}
		env.compiled[nodeType] = sch
	}

	for nodeType, err := range env.broken {
		log.WithFields(logrus.Fields{
			"namespace": ns,
			"node_type": nodeType,
		}).WithError(err).Warn("schema does not compile")
	}
	return env
}

func (e *environment) hasType(nodeType string) bool {
	_, ok := e.primaries[nodeType]
	return ok
}

// validate checks meta against the primary schema of nodeType. It returns
// false when no such schema is registered.
func (e *environment) validate(nodeType string, meta []byte) (*Report, bool, error) {
	if !e.hasType(nodeType) {
		return nil, false, nil
	}
	if err, ok := e.broken[nodeType]; ok {
		return &Report{Violations: []Violation{{
			Message:  fmt.Sprintf("schema %s could not be compiled: %v", nodeType, err),
			Location: "/",
		}}}, true, nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(meta))
	if err != nil {
		return nil, true, fmt.Errorf("decode document: %w", err)
	}

	err = e.compiled[nodeType].Validate(inst)
	if err == nil {
		return &Report{}, true, nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Report{Violations: []Violation{{Message: err.Error(), Location: "/"}}}, true, nil
	}
	report := &Report{}
	collectLeaves(ve, report)
	return report, true, nil
}

func collectLeaves(ve *jsonschema.ValidationError, report *Report) {
	if len(ve.Causes) == 0 {
		report.Violations = append(report.Violations, Violation{
			Message:  ve.ErrorKind.LocalizedString(printer),
			Location: "/" + strings.Join(ve.InstanceLocation, "/"),
		})
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, report)
	}
}

func (e *environment) nodeTypes() []string {
	types := make([]string, 0, len(e.primaries))
	for t := range e.primaries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// sources returns a copy of the environment's sources for a writer to modify.
func (e *environment) sources() (primaries, aux map[string]any, auxOrder []string) {
	primaries = make(map[string]any, len(e.primaries))
	for k, v := range e.primaries {
		primaries[k] = v
	}
	aux = make(map[string]any, len(e.aux))
	for k, v := range e.aux {
		aux[k] = v
	}
	auxOrder = append([]string(nil), e.auxOrder...)
	return primaries, aux, auxOrder
}
