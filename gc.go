package nodestore

import (
	"time"

	"github.com/i5heu/nodestore/pkg/docstore"
)

func (ns *NodeStore) garbageCollection(docs *docstore.BadgerStore) {
	defer ns.bg.Done()

	ticker := time.NewTicker(ns.config.GarbageCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ns.stop:
			return
		case <-ticker.C:
			if err := docs.GarbageCollect(); err != nil {
				ns.log.WithError(err).Error("garbage collection failed")
			}
		}
	}
}
