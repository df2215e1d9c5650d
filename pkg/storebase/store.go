// Package storebase implements C1, the chunked base store: a manifest file
// (base.bin) holding a fixed-width node index, plus one synapse-chunk file
// per contiguous sender range (base_<lo>_<hi>.bin). It is the durable,
// random-access representation of the graph that the delta log (pkg/deltalog)
// is periodically consolidated into.
//
// Grounded on pkg/persistence/store.go's atomic-write/fsync discipline,
// adapted from a single msgpack blob per tenant to the spec's fixed-width
// chunk-file-per-sender-range layout.
package storebase

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/ragperr"
)

const manifestFile = "base.bin"

// Store is the chunked, fixed-width on-disk synapse table.
type Store struct {
	dir    string
	logger *log.Logger

	mu              sync.RWMutex
	chunkSize       uint32
	registryVersion uint16
	index           map[graph.NodeID]indexEntry
	// chunkMembers maps a chunk index to the sorted set of node IDs the
	// registry has assigned to it, including nodes with zero out-degree.
	chunkMembers map[uint32][]graph.NodeID
}

// Stats is a snapshot of store-level counters for the status surface (C9).
type Stats struct {
	NodeCount       int
	ChunkCount      int
	RegistryVersion uint16
}

func chunkIndexOf(id graph.NodeID, chunkSize uint32) uint32 {
	return uint32(uint64(id) / uint64(chunkSize))
}

func chunkRange(idx uint32, chunkSize uint32) (lo, hi uint64) {
	lo = uint64(idx) * uint64(chunkSize)
	hi = lo + uint64(chunkSize) - 1
	return
}

func (s *Store) chunkPath(idx uint32) string {
	lo, hi := chunkRange(idx, s.chunkSize)
	return filepath.Join(s.dir, fmt.Sprintf("base_%d_%d.bin", lo, hi))
}

// Open loads an existing base store from dir, or initializes an empty one
// with the given chunk size (senders per chunk file) if dir has no manifest
// yet.
func Open(dir string, chunkSize uint32, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ragperr.StorageIO(err)
	}
	s := &Store{
		dir:          dir,
		logger:       logger,
		chunkSize:    chunkSize,
		index:        make(map[graph.NodeID]indexEntry),
		chunkMembers: make(map[uint32][]graph.NodeID),
	}

	path := filepath.Join(dir, manifestFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.persistManifestLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, ragperr.StorageIO(err)
	}

	h, err := decodeHeader(raw)
	if err != nil {
		return nil, ragperr.CorruptRecord(err)
	}
	if h.Version == legacyFormatVersion {
		// s.chunkSize keeps the caller-supplied target chunk size here —
		// the legacy header's ChunkSize field predates chunking and isn't
		// meaningful for the rechunk.
		if err := s.legacyMigrate(raw, h); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.chunkSize = h.ChunkSize
	s.registryVersion = h.RegistryVersion

	body := raw[headerSize:]
	want := int(h.NodeCount) * indexEntrySize
	if len(body) < want {
		return nil, ragperr.CorruptRecord(fmt.Errorf("base.bin index truncated: got %d bytes, want %d", len(body), want))
	}
	for i := 0; i < int(h.NodeCount); i++ {
		e := decodeIndexEntry(body[i*indexEntrySize : (i+1)*indexEntrySize])
		s.index[e.NodeID] = e
		idx := chunkIndexOf(e.NodeID, s.chunkSize)
		s.chunkMembers[idx] = append(s.chunkMembers[idx], e.NodeID)
	}
	for idx := range s.chunkMembers {
		sort.Slice(s.chunkMembers[idx], func(i, j int) bool {
			return s.chunkMembers[idx][i] < s.chunkMembers[idx][j]
		})
	}
	return s, nil
}

// RegistryVersion returns the registry version the base was last written
// against.
func (s *Store) RegistryVersion() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registryVersion
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := 0
	for _, members := range s.chunkMembers {
		if len(members) > 0 {
			chunks++
		}
	}
	return Stats{NodeCount: len(s.index), ChunkCount: chunks, RegistryVersion: s.registryVersion}
}

// ReadOutgoing returns the base-layer synapses for sender. Fails with
// ErrUnknownNode if sender has no node-index entry.
func (s *Store) ReadOutgoing(sender graph.NodeID) ([]graph.Synapse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOutgoingLocked(sender)
}

func (s *Store) readOutgoingLocked(sender graph.NodeID) ([]graph.Synapse, error) {
	entry, ok := s.index[sender]
	if !ok {
		return nil, ragperr.UnknownNode()
	}
	if entry.OutDegree == 0 {
		return nil, nil
	}
	idx := chunkIndexOf(sender, s.chunkSize)
	f, err := os.Open(s.chunkPath(idx))
	if err != nil {
		return nil, ragperr.StorageIO(err)
	}
	defer f.Close()

	buf := make([]byte, int(entry.OutDegree)*chunkRecordSize)
	if _, err := f.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, ragperr.StorageIO(err)
	}
	out := make([]graph.Synapse, entry.OutDegree)
	for i := range out {
		out[i] = decodeChunkRecord(sender, buf[i*chunkRecordSize:(i+1)*chunkRecordSize])
	}
	return out, nil
}

// legacyMigrate is legacy_migrate: it decodes a pre-chunking monolithic base
// file (node index followed by one trailing synapse blob, index entries'
// Offset pointing into that blob) and rewrites it into the current chunked
// layout by delegating to RebuildFromRegistry, which already knows how to
// partition senders into chunk files and persist the manifest atomically.
func (s *Store) legacyMigrate(raw []byte, h header) error {
	body := raw[headerSize:]
	indexWant := int(h.NodeCount) * indexEntrySize
	if len(body) < indexWant {
		return ragperr.CorruptRecord(fmt.Errorf("legacy base file index truncated: got %d bytes, want %d", len(body), indexWant))
	}
	blob := body[indexWant:]

	meta := make([]graph.NodeMeta, 0, h.NodeCount)
	outgoing := make(map[graph.NodeID][]graph.Synapse, h.NodeCount)
	for i := 0; i < int(h.NodeCount); i++ {
		e := decodeIndexEntry(body[i*indexEntrySize : (i+1)*indexEntrySize])
		meta = append(meta, graph.NodeMeta{ID: e.NodeID, Kind: e.Kind})
		if e.OutDegree == 0 {
			continue
		}
		start := int(e.Offset)
		want := int(e.OutDegree) * chunkRecordSize
		if start < 0 || want < 0 || start+want > len(blob) {
			return ragperr.CorruptRecord(fmt.Errorf("legacy base file synapse blob truncated for node %d", e.NodeID))
		}
		rec := blob[start : start+want]
		syns := make([]graph.Synapse, e.OutDegree)
		for j := range syns {
			syns[j] = decodeChunkRecord(e.NodeID, rec[j*chunkRecordSize:(j+1)*chunkRecordSize])
		}
		outgoing[e.NodeID] = syns
	}

	s.logger.Printf("storebase: migrating legacy monolithic base (%d nodes) into chunked layout (chunk size %d)", len(meta), s.chunkSize)
	return s.RebuildFromRegistry(meta, h.RegistryVersion, func(id graph.NodeID) ([]graph.Synapse, error) {
		return outgoing[id], nil
	})
}

// RebuildFromRegistry replaces the entire node index with the given roster
// (used on initial bootstrap and on registry migration). existingOutgoing is
// consulted to preserve synapses for nodes that remain valid; nodes absent
// from meta are dropped along with their edges, and any edge whose receiver
// is absent is pruned. The new base is written and swapped in atomically.
// existingOutgoing is called before the store's write lock is taken, so it
// may be s.ReadOutgoing itself.
func (s *Store) RebuildFromRegistry(meta []graph.NodeMeta, registryVersion uint16, existingOutgoing func(graph.NodeID) ([]graph.Synapse, error)) error {
	valid := make(map[graph.NodeID]bool, len(meta))
	for _, m := range meta {
		valid[m.ID] = true
	}

	newChunkMembers := make(map[uint32][]graph.NodeID)
	synapsesByChunk := make(map[uint32]map[graph.NodeID][]graph.Synapse)
	kindOf := make(map[graph.NodeID]graph.Kind, len(meta))
	for _, m := range meta {
		idx := chunkIndexOf(m.ID, s.chunkSize)
		newChunkMembers[idx] = append(newChunkMembers[idx], m.ID)
		kindOf[m.ID] = m.Kind
		if synapsesByChunk[idx] == nil {
			synapsesByChunk[idx] = make(map[graph.NodeID][]graph.Synapse)
		}
		var preserved []graph.Synapse
		if existingOutgoing != nil {
			syns, err := existingOutgoing(m.ID)
			if err != nil && !isUnknownNode(err) {
				return err
			}
			for _, syn := range syns {
				if valid[syn.Receiver] {
					preserved = append(preserved, syn)
				}
			}
		}
		synapsesByChunk[idx][m.ID] = preserved
	}
	for idx := range newChunkMembers {
		sort.Slice(newChunkMembers[idx], func(i, j int) bool { return newChunkMembers[idx][i] < newChunkMembers[idx][j] })
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newIndex := make(map[graph.NodeID]indexEntry, len(meta))
	for idx, members := range newChunkMembers {
		entries, err := s.writeChunkLocked(idx, members, synapsesByChunk[idx], kindOf)
		if err != nil {
			return err
		}
		for id, e := range entries {
			newIndex[id] = e
		}
	}

	s.index = newIndex
	s.chunkMembers = newChunkMembers
	s.registryVersion = registryVersion
	return s.persistManifestLocked()
}

// ApplyUpdates merges consolidated delta records into the base, one chunk
// rewrite per touched chunk. updates gives the *full* post-merge outgoing
// list for each touched sender (tombstones and pruning already applied by
// the caller). This is the store-side half of rewrite_sender: callers
// provide the new list, the store performs the temp-file-then-rename swap.
func (s *Store) ApplyUpdates(updates map[graph.NodeID][]graph.Synapse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touchedChunks := make(map[uint32]bool)
	for sender := range updates {
		touchedChunks[chunkIndexOf(sender, s.chunkSize)] = true
	}

	kindOf := make(map[graph.NodeID]graph.Kind, len(s.index))
	for id, e := range s.index {
		kindOf[id] = e.Kind
	}

	newEntries := make(map[graph.NodeID]indexEntry)
	for idx := range touchedChunks {
		members := s.chunkMembers[idx]
		bySender := make(map[graph.NodeID][]graph.Synapse, len(members))
		for _, m := range members {
			if syns, ok := updates[m]; ok {
				bySender[m] = syns
				continue
			}
			syns, err := s.readOutgoingLocked(m)
			if err != nil {
				return err
			}
			bySender[m] = syns
		}
		entries, err := s.writeChunkLocked(idx, members, bySender, kindOf)
		if err != nil {
			return err
		}
		for id, e := range entries {
			newEntries[id] = e
		}
	}

	for id, e := range newEntries {
		s.index[id] = e
	}
	return s.persistManifestLocked()
}

// writeChunkLocked serializes the given members (in order) with their
// synapses (sorted by receiver) into chunk idx, writes it atomically, and
// returns the resulting index entries. Caller holds s.mu.
func (s *Store) writeChunkLocked(idx uint32, members []graph.NodeID, bySender map[graph.NodeID][]graph.Synapse, kindOf map[graph.NodeID]graph.Kind) (map[graph.NodeID]indexEntry, error) {
	var buf bytes.Buffer
	entries := make(map[graph.NodeID]indexEntry, len(members))
	var offset uint64
	for _, m := range members {
		syns := append([]graph.Synapse(nil), bySender[m]...)
		sort.Slice(syns, func(i, j int) bool { return syns[i].Receiver < syns[j].Receiver })
		for _, syn := range syns {
			buf.Write(encodeChunkRecord(syn))
		}
		entries[m] = indexEntry{
			NodeID:         m,
			ChunkFileIndex: idx,
			Offset:         offset,
			OutDegree:      uint32(len(syns)),
			Kind:           kindOf[m],
		}
		offset += uint64(len(syns)) * chunkRecordSize
	}
	if len(members) == 0 {
		return entries, nil
	}
	if err := writeAtomically(s.chunkPath(idx), buf.Bytes(), 0o644); err != nil {
		return nil, ragperr.StorageIO(err)
	}
	return entries, nil
}

func (s *Store) persistManifestLocked() error {
	ids := make([]graph.NodeID, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := header{
		Magic:           Magic,
		Version:         FormatVersion,
		ChunkSize:       s.chunkSize,
		NodeCount:       uint32(len(ids)),
		RegistryVersion: s.registryVersion,
	}
	var buf bytes.Buffer
	buf.Write(h.encode())
	for _, id := range ids {
		buf.Write(s.index[id].encode())
	}
	return writeAtomically(filepath.Join(s.dir, manifestFile), buf.Bytes(), 0o644)
}

func isUnknownNode(err error) bool {
	kind, ok := ragperr.KindOf(err)
	return ok && kind == ragperr.KindUnknownNode
}
