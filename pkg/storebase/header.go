package storebase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ragp/engine/pkg/graph"
)

// Magic identifies a RAGP base manifest file.
var Magic = [4]byte{'R', 'A', 'G', 'P'}

// FormatVersion is the current on-disk manifest format version.
const FormatVersion uint16 = 1

// legacyFormatVersion marks a pre-chunking, single monolithic base file:
// manifest header, then the node index (same fixed-width indexEntry layout
// as today), then one trailing blob holding every sender's synapse records
// back-to-back, with each index entry's Offset pointing into that blob
// instead of into a separate chunk file. Store.Open detects this version
// and rewrites the file into the current chunked layout — see
// Store.legacyMigrate.
const legacyFormatVersion uint16 = 0

// indexEntrySize is the fixed width of one node-index entry:
// node_id(8) + chunk_file_index(4) + offset(8) + out_degree(4) + kind(1).
const indexEntrySize = 8 + 4 + 8 + 4 + 1

// chunkRecordSize is the fixed width of one synapse record in a chunk file:
// receiver(8) + weight(4) + tick(4).
const chunkRecordSize = 8 + 4 + 4

// header is the decoded form of base.bin's fixed preamble.
type header struct {
	Magic           [4]byte
	Version         uint16
	ChunkSize       uint32
	NodeCount       uint32
	RegistryVersion uint16
}

func (h header) encode() []byte {
	buf := make([]byte, 4+2+4+4+2)
	copy(buf[0:4], h.Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint32(buf[6:10], h.ChunkSize)
	binary.BigEndian.PutUint32(buf[10:14], h.NodeCount)
	binary.BigEndian.PutUint16(buf[14:16], h.RegistryVersion)
	return buf
}

const headerSize = 4 + 2 + 4 + 4 + 2

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, fmt.Errorf("base.bin header truncated: got %d bytes, want %d", len(buf), headerSize)
	}
	copy(h.Magic[:], buf[0:4])
	if !bytes.Equal(h.Magic[:], Magic[:]) {
		return h, fmt.Errorf("base.bin bad magic %q", h.Magic[:])
	}
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.ChunkSize = binary.BigEndian.Uint32(buf[6:10])
	h.NodeCount = binary.BigEndian.Uint32(buf[10:14])
	h.RegistryVersion = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}

// indexEntry is one row of the node index.
type indexEntry struct {
	NodeID         graph.NodeID
	ChunkFileIndex uint32
	Offset         uint64
	OutDegree      uint32
	Kind           graph.Kind
}

func (e indexEntry) encode() []byte {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.NodeID))
	binary.BigEndian.PutUint32(buf[8:12], e.ChunkFileIndex)
	binary.BigEndian.PutUint64(buf[12:20], e.Offset)
	binary.BigEndian.PutUint32(buf[20:24], e.OutDegree)
	buf[24] = byte(e.Kind)
	return buf
}

func decodeIndexEntry(buf []byte) indexEntry {
	return indexEntry{
		NodeID:         graph.NodeID(binary.BigEndian.Uint64(buf[0:8])),
		ChunkFileIndex: binary.BigEndian.Uint32(buf[8:12]),
		Offset:         binary.BigEndian.Uint64(buf[12:20]),
		OutDegree:      binary.BigEndian.Uint32(buf[20:24]),
		Kind:           graph.Kind(buf[24]),
	}
}

// encodeChunkRecord writes (receiver, weight, tick) as the fixed 16-byte
// on-disk chunk record.
func encodeChunkRecord(s graph.Synapse) []byte {
	buf := make([]byte, chunkRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.Receiver))
	binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(s.Weight))
	binary.BigEndian.PutUint32(buf[12:16], s.Tick)
	return buf
}

func decodeChunkRecord(sender graph.NodeID, buf []byte) graph.Synapse {
	return graph.Synapse{
		Sender:   sender,
		Receiver: graph.NodeID(binary.BigEndian.Uint64(buf[0:8])),
		Weight:   math.Float32frombits(binary.BigEndian.Uint32(buf[8:12])),
		Tick:     binary.BigEndian.Uint32(buf[12:16]),
	}
}
