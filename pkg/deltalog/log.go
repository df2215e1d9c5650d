// Package deltalog implements C2, the append-only delta log: a
// length-prefixed, CRC32-framed record of recent synapse writes that have
// not yet been folded into the base store. Grounded directly on
// pkg/persistence/store.go's WAL append/replay framing (same
// length-prefix+payload+crc32 layout, same truncate-on-first-bad-record
// replay policy), adapted from a whole-matrix-blob payload to the spec's
// fixed (sender, receiver, weight, tick) record.
package deltalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/ragperr"
)

const fileName = "delta.bin"

// recordPayloadSize is (sender u64, receiver u64, weight f32, tick u32).
const recordPayloadSize = 8 + 8 + 4 + 4

// Index is the in-memory replay of the log: sender -> receiver -> latest
// (weight, tick), keyed last-write-wins by tick.
type Index map[graph.NodeID]map[graph.NodeID]graph.Synapse

// Log is the append-only, CRC-protected delta record file.
type Log struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	index   Index
	records int // count of valid records currently represented in the file
}

// Open replays an existing delta.bin (truncating at the first corrupt
// record) or creates an empty one.
func Open(dir string, logger *log.Logger) (*Log, error) {
	if logger == nil {
		logger = log.Default()
	}
	l := &Log{
		path:   filepath.Join(dir, fileName),
		logger: logger,
		index:  make(Index),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

// Index returns the current in-memory replay. Callers must not mutate the
// returned map directly; it is intended for read-only overlay by the graph
// view and for snapshotting by the consolidation coordinator.
func (l *Log) Index() Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// RecordCount returns the number of valid records currently applied.
func (l *Log) RecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records
}

// Lookup returns the latest delta entry for (sender, receiver), if any.
func (l *Log) Lookup(sender, receiver graph.NodeID) (graph.Synapse, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySender, ok := l.index[sender]
	if !ok {
		return graph.Synapse{}, false
	}
	syn, ok := bySender[receiver]
	return syn, ok
}

// Append writes one delta record and applies it to the in-memory index.
// fsync is caller-controlled: pass sync=true to force durability for this
// record, false to let it ride until the next sync boundary (periodic flush
// or consolidation).
func (l *Log) Append(syn graph.Synapse, sync bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := encodeRecord(syn)
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ragperr.StorageIO(err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return ragperr.StorageIO(err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			return ragperr.StorageIO(err)
		}
	}

	l.applyLocked(syn)
	l.records++
	return nil
}

func (l *Log) applyLocked(syn graph.Synapse) {
	bySender, ok := l.index[syn.Sender]
	if !ok {
		bySender = make(map[graph.NodeID]graph.Synapse)
		l.index[syn.Sender] = bySender
	}
	if existing, ok := bySender[syn.Receiver]; ok && existing.Tick > syn.Tick {
		return
	}
	bySender[syn.Receiver] = syn
}

// Truncate zeroes delta.bin after a successful consolidation commit and
// resets the in-memory index.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.WriteFile(l.path, nil, 0o644); err != nil {
		return ragperr.StorageIO(err)
	}
	l.index = make(Index)
	l.records = 0
	return nil
}

func (l *Log) replay() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ragperr.StorageIO(err)
	}

	offset := 0
	applied := 0
	for {
		if len(data)-offset < 4 {
			break
		}
		recordLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		if recordLen != recordPayloadSize {
			break
		}
		end := offset + 4 + recordLen + 4
		if end > len(data) {
			break
		}
		payload := data[offset+4 : offset+4+recordLen]
		checksum := binary.BigEndian.Uint32(data[offset+4+recordLen : end])
		if crc32.ChecksumIEEE(payload) != checksum {
			break
		}
		syn := decodeRecordPayload(payload)
		l.applyLocked(syn)
		offset = end
		applied++
	}

	if offset < len(data) {
		l.logger.Printf("deltalog: CRC mismatch or truncated tail at byte %d of %d, truncating log there (%d valid records replayed)", offset, len(data), applied)
		f, err := os.OpenFile(l.path, os.O_WRONLY, 0o644)
		if err != nil {
			return ragperr.StorageIO(err)
		}
		defer f.Close()
		if err := f.Truncate(int64(offset)); err != nil {
			return ragperr.StorageIO(fmt.Errorf("truncating delta log: %w", err))
		}
	}
	l.records = applied
	return nil
}

// encodeRecord frames (len, sender, receiver, weight, tick, crc32) exactly
// as the on-disk delta record layout: CRC computed over the payload
// excluding the length prefix.
func encodeRecord(syn graph.Synapse) []byte {
	payload := make([]byte, recordPayloadSize)
	binary.BigEndian.PutUint64(payload[0:8], uint64(syn.Sender))
	binary.BigEndian.PutUint64(payload[8:16], uint64(syn.Receiver))
	binary.BigEndian.PutUint32(payload[16:20], float32bits(syn.Weight))
	binary.BigEndian.PutUint32(payload[20:24], syn.Tick)

	buf := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	binary.BigEndian.PutUint32(buf[4+len(payload):], crc32.ChecksumIEEE(payload))
	return buf
}

func decodeRecordPayload(payload []byte) graph.Synapse {
	return graph.Synapse{
		Sender:   graph.NodeID(binary.BigEndian.Uint64(payload[0:8])),
		Receiver: graph.NodeID(binary.BigEndian.Uint64(payload[8:16])),
		Weight:   float32frombits(binary.BigEndian.Uint32(payload[16:20])),
		Tick:     binary.BigEndian.Uint32(payload[20:24]),
	}
}
