// Package history keeps the append-only version history of nodes. Each node
// has one history document, <node-id>_hist, whose attachments hold the
// snapshot of every version the node has left, keyed by version number.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/nodestore/pkg/docstore"
)

const (
	idSuffix = "_hist"

	// attachRetries bounds retries on the history document itself when
	// another version of the same node is archived concurrently.
	attachRetries = 3
)

var ErrCollision = errors.New("history: version already archived")

type Config struct {
	Store  docstore.Store
	Logger *logrus.Logger
}

type Tracker struct {
	store docstore.Store
	log   *logrus.Logger
}

func NewTracker(conf Config) *Tracker {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	return &Tracker{
		store: conf.Store,
		log:   conf.Logger,
	}
}

// ID returns the id of the history document of a node.
func ID(nodeID string) string {
	return nodeID + idSuffix
}

// Append archives content as the snapshot of version. Version 1 creates the
// history document; later versions attach to the existing one.
func (t *Tracker) Append(ctx context.Context, nodeID string, version int, content []byte) error {
	if version < 1 {
		return fmt.Errorf("history: invalid version %d for %s", version, nodeID)
	}

	packed, err := compress(content)
	if err != nil {
		return fmt.Errorf("history: compress %s v%d: %w", nodeID, version, err)
	}

	histID := ID(nodeID)
	name := strconv.Itoa(version)

	var doc docstore.Document
	fetch := version > 1
	if version == 1 {
		body, err := json.Marshal(map[string]string{"history_of": nodeID})
		if err != nil {
			return err
		}
		doc, err = t.store.CreateWithID(ctx, histID, body)
		switch {
		case errors.Is(err, docstore.ErrConflict):
			// the document exists, attaching decides whether this is a collision
			fetch = true
		case err != nil:
			return fmt.Errorf("history: create %s: %w", histID, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if fetch || attempt > 0 {
			doc, err = t.store.Get(ctx, histID)
			if err != nil {
				return fmt.Errorf("history: fetch %s: %w", histID, err)
			}
		}

		_, err = t.store.PutAttachment(ctx, histID, doc.Rev, name, packed)
		if err == nil {
			break
		}
		if errors.Is(err, docstore.ErrAttachmentExists) {
			return fmt.Errorf("%w: %s v%d", ErrCollision, nodeID, version)
		}
		if !errors.Is(err, docstore.ErrConflict) || attempt >= attachRetries {
			return fmt.Errorf("history: attach %s v%d: %w", nodeID, version, err)
		}
	}

	t.log.WithFields(logrus.Fields{
		"node_id": nodeID,
		"version": version,
	}).Debug("saved history snapshot")
	return nil
}

// Fetch returns the snapshot of version. The boolean is false when no such
// snapshot exists, which is not an error.
func (t *Tracker) Fetch(ctx context.Context, nodeID string, version int) ([]byte, bool, error) {
	packed, err := t.store.GetAttachment(ctx, ID(nodeID), strconv.Itoa(version))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("history: fetch %s v%d: %w", nodeID, version, err)
	}

	content, err := decompress(packed)
	if err != nil {
		return nil, false, fmt.Errorf("history: decompress %s v%d: %w", nodeID, version, err)
	}
	return content, true, nil
}

// DeleteAll removes the history document of a node with all its snapshots.
func (t *Tracker) DeleteAll(ctx context.Context, nodeID string) error {
	histID := ID(nodeID)
	doc, err := t.store.Get(ctx, histID)
	if err != nil {
		return fmt.Errorf("history: fetch %s for deletion: %w", histID, err)
	}
	if err := t.store.Remove(ctx, histID, doc.Rev); err != nil {
		return fmt.Errorf("history: delete %s: %w", histID, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(data)
	if err != nil {
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
