// Package docstore is the document database the node store is built on. It
// keeps JSON bodies under opaque revision tokens, supports compare-and-swap
// writes, named binary attachments and two secondary indices over the
// linkage member of every body: forward (by source) and reverse (by target).
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotFound         = errors.New("docstore: document not found")
	ErrConflict         = errors.New("docstore: revision conflict")
	ErrAttachmentExists = errors.New("docstore: attachment already exists")
	ErrInvalidRevision  = errors.New("docstore: invalid revision")
	ErrClosed           = errors.New("docstore: store closed")
	ErrLinked           = errors.New("docstore: document is linked from other documents")
)

// Document is a stored body together with its current revision token.
type Document struct {
	ID          string
	Rev         string
	Body        []byte
	Attachments []string
}

// Edge is one row of the linkage indices: Source links to Target under
// Relation at Position within the relation's list.
type Edge struct {
	Source   string
	Relation string
	Position int
	Target   string
}

// Store is the document database consumed by the node store.
type Store interface {
	Get(ctx context.Context, id string) (Document, error)
	Create(ctx context.Context, body []byte) (Document, error)
	CreateWithID(ctx context.Context, id string, body []byte) (Document, error)
	Save(ctx context.Context, id, rev string, body []byte) (Document, error)
	Remove(ctx context.Context, id, rev string) error
	// RemoveUnlinked is Remove that fails with ErrLinked while other
	// documents link to id.
	RemoveUnlinked(ctx context.Context, id, rev string) error
	PutAttachment(ctx context.Context, id, rev, name string, data []byte) (Document, error)
	GetAttachment(ctx context.Context, id, name string) ([]byte, error)
	Outbound(ctx context.Context, id string) ([]Edge, error)
	Inbound(ctx context.Context, id string) ([]Edge, error)
	Close() error
}

// VersionFromRevision returns the sequence number encoded in a revision token.
func VersionFromRevision(rev string) (int, error) {
	seq, _, ok := strings.Cut(rev, "-")
	if !ok || seq == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	v, err := strconv.Atoi(seq)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	return v, nil
}

// nextRevision derives the revision following prev for the given content.
// An empty prev starts the sequence at 1.
func nextRevision(prev string, content ...[]byte) (string, error) {
	seq := 0
	if prev != "" {
		v, err := VersionFromRevision(prev)
		if err != nil {
			return "", err
		}
		seq = v
	}
	d := xxhash.New()
	for _, c := range content {
		_, _ = d.Write(c)
	}
	return fmt.Sprintf("%d-%016x", seq+1, d.Sum64()), nil
}
