package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	docPrefix        = "d/"
	attachmentPrefix = "a/"
	outboundPrefix   = "l/o/"
	inboundPrefix    = "l/i/"
)

// BadgerStore implements Store on top of badger. Every mutation runs in a
// single badger transaction, so the linkage indices always match the bodies
// and a concurrent writer that read the same document loses with ErrConflict.
type BadgerStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	closed       atomic.Bool
	readCounter  uint64
	writeCounter uint64
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(config StoreConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for BadgerStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		displayDiskUsage(log, config.Paths[:1])
	}

	return &BadgerStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

// Counters returns the number of read and write operations served so far.
func (k *BadgerStore) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *BadgerStore) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.badgerDB.Close()
}

// GarbageCollect flattens the LSM tree and reclaims value log space.
func (k *BadgerStore) GarbageCollect() error {
	if k.closed.Load() {
		return ErrClosed
	}
	if k.config.InMemory {
		return nil
	}

	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	k.log.Debug("document store garbage collected")
	return nil
}

func (k *BadgerStore) Get(ctx context.Context, id string) (Document, error) {
	if err := k.ready(ctx); err != nil {
		return Document{}, err
	}
	atomic.AddUint64(&k.readCounter, 1)

	var doc Document
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		doc = toDocument(id, rec)
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (k *BadgerStore) Create(ctx context.Context, body []byte) (Document, error) {
	return k.CreateWithID(ctx, strings.ReplaceAll(uuid.NewString(), "-", ""), body)
}

func (k *BadgerStore) CreateWithID(ctx context.Context, id string, body []byte) (Document, error) {
	if err := k.ready(ctx); err != nil {
		return Document{}, err
	}
	if id == "" {
		return Document{}, errors.New("docstore: empty document id")
	}

	edges, err := edgesOf(id, body)
	if err != nil {
		return Document{}, err
	}

	rev, err := nextRevision("", body)
	if err != nil {
		return Document{}, err
	}
	rec := record{rev: rev, body: body}

	err = k.update(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(id))
		if err == nil {
			return fmt.Errorf("%w: %s already exists", ErrConflict, id)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(docKey(id), encodeRecord(rec)); err != nil {
			return err
		}
		return writeEdges(txn, edges)
	})
	if err != nil {
		return Document{}, err
	}
	return toDocument(id, rec), nil
}

func (k *BadgerStore) Save(ctx context.Context, id, rev string, body []byte) (Document, error) {
	if err := k.ready(ctx); err != nil {
		return Document{}, err
	}

	edges, err := edgesOf(id, body)
	if err != nil {
		return Document{}, err
	}

	var saved record
	err = k.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.rev != rev {
			return fmt.Errorf("%w: %s is at %s, not %s", ErrConflict, id, rec.rev, rev)
		}

		newRev, err := nextRevision(rec.rev, body)
		if err != nil {
			return err
		}
		saved = record{rev: newRev, body: body, attachments: rec.attachments}

		if err := deleteEdges(txn, id); err != nil {
			return err
		}
		if err := txn.Set(docKey(id), encodeRecord(saved)); err != nil {
			return err
		}
		return writeEdges(txn, edges)
	})
	if err != nil {
		return Document{}, err
	}
	return toDocument(id, saved), nil
}

func (k *BadgerStore) Remove(ctx context.Context, id, rev string) error {
	return k.remove(ctx, id, rev, false)
}

// RemoveUnlinked checks the reverse index inside the removing transaction.
// Links written by transactions that commit while it runs are not seen.
func (k *BadgerStore) RemoveUnlinked(ctx context.Context, id, rev string) error {
	return k.remove(ctx, id, rev, true)
}

func (k *BadgerStore) remove(ctx context.Context, id, rev string, unlinked bool) error {
	if err := k.ready(ctx); err != nil {
		return err
	}

	return k.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.rev != rev {
			return fmt.Errorf("%w: %s is at %s, not %s", ErrConflict, id, rec.rev, rev)
		}
		if unlinked {
			inbound, err := collectEdges(txn, indexKey(inboundPrefix, id))
			if err != nil {
				return err
			}
			for _, e := range inbound {
				if e.Target == id && e.Source != id {
					return fmt.Errorf("%w: %s links to %s", ErrLinked, e.Source, id)
				}
			}
		}

		for _, name := range rec.attachments {
			if err := txn.Delete(attachmentKey(id, name)); err != nil {
				return err
			}
		}
		if err := deleteEdges(txn, id); err != nil {
			return err
		}
		return txn.Delete(docKey(id))
	})
}

func (k *BadgerStore) PutAttachment(ctx context.Context, id, rev, name string, data []byte) (Document, error) {
	if err := k.ready(ctx); err != nil {
		return Document{}, err
	}

	var saved record
	err := k.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.rev != rev {
			return fmt.Errorf("%w: %s is at %s, not %s", ErrConflict, id, rec.rev, rev)
		}
		if slices.Contains(rec.attachments, name) {
			return fmt.Errorf("%w: %s/%s", ErrAttachmentExists, id, name)
		}

		newRev, err := nextRevision(rec.rev, rec.body, []byte(name), data)
		if err != nil {
			return err
		}
		saved = record{
			rev:         newRev,
			body:        rec.body,
			attachments: append(slices.Clone(rec.attachments), name),
		}

		if err := txn.Set(attachmentKey(id, name), data); err != nil {
			return err
		}
		return txn.Set(docKey(id), encodeRecord(saved))
	})
	if err != nil {
		return Document{}, err
	}
	return toDocument(id, saved), nil
}

func (k *BadgerStore) GetAttachment(ctx context.Context, id, name string) ([]byte, error) {
	if err := k.ready(ctx); err != nil {
		return nil, err
	}
	atomic.AddUint64(&k.readCounter, 1)

	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attachmentKey(id, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: attachment %s/%s", ErrNotFound, id, name)
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (k *BadgerStore) Outbound(ctx context.Context, id string) ([]Edge, error) {
	edges, err := k.scanEdges(ctx, indexKey(outboundPrefix, id))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(edges, func(e Edge) bool { return e.Source != id }), nil
}

func (k *BadgerStore) Inbound(ctx context.Context, id string) ([]Edge, error) {
	edges, err := k.scanEdges(ctx, indexKey(inboundPrefix, id))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(edges, func(e Edge) bool { return e.Target != id }), nil
}

func (k *BadgerStore) scanEdges(ctx context.Context, prefix []byte) ([]Edge, error) {
	if err := k.ready(ctx); err != nil {
		return nil, err
	}
	atomic.AddUint64(&k.readCounter, 1)

	var edges []Edge
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		edges, err = collectEdges(txn, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (k *BadgerStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if k.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (k *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func getRecord(txn *badger.Txn, id string) (record, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return record{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return record{}, err
	}
	return decodeRecord(raw)
}

func toDocument(id string, rec record) Document {
	return Document{
		ID:          id,
		Rev:         rec.rev,
		Body:        rec.body,
		Attachments: slices.Clone(rec.attachments),
	}
}

// edgesOf extracts the linkage rows of a body. Bodies without a linkage
// member have no rows.
func edgesOf(id string, body []byte) ([]Edge, error) {
	var doc struct {
		Linkage map[string][]string `json:"linkage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode linkage of %s: %w", id, err)
	}

	rels := make([]string, 0, len(doc.Linkage))
	for rel := range doc.Linkage {
		rels = append(rels, rel)
	}
	slices.Sort(rels)

	var edges []Edge
	for _, rel := range rels {
		for pos, target := range doc.Linkage[rel] {
			edges = append(edges, Edge{Source: id, Relation: rel, Position: pos, Target: target})
		}
	}
	return edges, nil
}

func writeEdges(txn *badger.Txn, edges []Edge) error {
	for _, e := range edges {
		value := encodeEdge(e)
		if err := txn.Set(outboundKey(e), value); err != nil {
			return err
		}
		if err := txn.Set(inboundKey(e), value); err != nil {
			return err
		}
	}
	return nil
}

func deleteEdges(txn *badger.Txn, id string) error {
	edges, err := collectEdges(txn, indexKey(outboundPrefix, id))
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := txn.Delete(outboundKey(e)); err != nil {
			return err
		}
		if err := txn.Delete(inboundKey(e)); err != nil {
			return err
		}
	}
	return nil
}

func collectEdges(txn *badger.Txn, prefix []byte) ([]Edge, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var edges []Edge
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		e, err := decodeEdge(raw)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func docKey(id string) []byte {
	return []byte(docPrefix + id)
}

// indexKey joins length prefixed components behind prefix. The range of one
// id never contains keys of another, whatever bytes the ids hold.
func indexKey(prefix string, parts ...string) []byte {
	b := []byte(prefix)
	for _, part := range parts {
		b = protowire.AppendString(b, part)
	}
	return b
}

func attachmentKey(id, name string) []byte {
	return indexKey(attachmentPrefix, id, name)
}

func positionBytes(pos int) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(pos))
	return string(b[:])
}

func outboundKey(e Edge) []byte {
	return append(indexKey(outboundPrefix, e.Source, e.Relation), positionBytes(e.Position)...)
}

func inboundKey(e Edge) []byte {
	return append(indexKey(inboundPrefix, e.Target, e.Source, e.Relation), positionBytes(e.Position)...)
}
