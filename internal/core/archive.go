package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"sfmgraph/internal/blob"
)

// Archive encodings.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"

	CompressionNone   = "none"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// Blob metadata keys written on every archive.
const (
	MetaFormat        = "sfmgraph-format"
	MetaCompression   = "sfmgraph-compression"
	MetaNodes         = "sfmgraph-nodes"
	MetaRelationships = "sfmgraph-relationships"
)

// ArchivePrefix is the key prefix used for generated archive keys.
const ArchivePrefix = "snapshots/"

// ArchiveCodec serialises snapshots for blob storage.
type ArchiveCodec struct {
	Format      string
	Compression string
}

// DefaultArchiveCodec returns zstd-compressed JSON.
func DefaultArchiveCodec() ArchiveCodec {
	return ArchiveCodec{Format: FormatJSON, Compression: CompressionZstd}
}

// Validate rejects unknown formats and compressions.
func (c ArchiveCodec) Validate() error {
	switch c.Format {
	case FormatJSON, FormatMsgpack:
	default:
		return fmt.Errorf("unknown archive format %q", c.Format)
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd, CompressionSnappy, CompressionLZ4:
	default:
		return fmt.Errorf("unknown archive compression %q", c.Compression)
	}
	return nil
}

// ContentType reports the MIME type of the uncompressed payload.
func (c ArchiveCodec) ContentType() string {
	if c.Format == FormatMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Extension returns the file suffix for archives written with c.
func (c ArchiveCodec) Extension() string {
	ext := "." + c.Format
	switch c.Compression {
	case CompressionZstd:
		ext += ".zst"
	case CompressionSnappy:
		ext += ".sz"
	case CompressionLZ4:
		ext += ".lz4"
	}
	return ext
}

// Encode serialises and compresses snap.
func (c ArchiveCodec) Encode(snap Snapshot) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var raw bytes.Buffer
	switch c.Format {
	case FormatMsgpack:
		enc := msgpack.NewEncoder(&raw)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(&snap); err != nil {
			return nil, fmt.Errorf("encode msgpack snapshot: %w", err)
		}
	default:
		if err := json.NewEncoder(&raw).Encode(&snap); err != nil {
			return nil, fmt.Errorf("encode json snapshot: %w", err)
		}
	}
	return compress(c.Compression, raw.Bytes())
}

// Decode reverses Encode.
func (c ArchiveCodec) Decode(data []byte) (Snapshot, error) {
	if err := c.Validate(); err != nil {
		return Snapshot{}, err
	}
	raw, err := decompress(c.Compression, data)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	switch c.Format {
	case FormatMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&snap); err != nil {
			return Snapshot{}, fmt.Errorf("decode msgpack snapshot: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("decode json snapshot: %w", err)
		}
	}
	if snap.Nodes == nil {
		snap.Nodes = map[string]Node{}
	}
	if snap.Relationships == nil {
		snap.Relationships = map[string]Relationship{}
	}
	return snap, nil
}

func compress(algo string, data []byte) ([]byte, error) {
	switch algo {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func decompress(algo string, data []byte) ([]byte, error) {
	switch algo {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		return out, nil
	case CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// ArchiveKey returns a unique key under ArchivePrefix for an archive written
// at t with codec.
func ArchiveKey(t time.Time, codec ArchiveCodec) string {
	return ArchivePrefix + t.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8] + codec.Extension()
}

// ArchiveSnapshot encodes the current graph with the service codec and writes
// it to store under key, generating a key when empty.
func (s *Service) ArchiveSnapshot(ctx context.Context, store blob.Store, key string) (blob.Info, error) {
	start := time.Now()
	info, err := s.archiveSnapshot(ctx, store, key)
	s.metrics.Observe(ctx, "archive_snapshot", err == nil, time.Since(start))
	return info, err
}

func (s *Service) archiveSnapshot(ctx context.Context, store blob.Store, key string) (blob.Info, error) {
	if key == "" {
		key = ArchiveKey(time.Now(), s.codec)
	}
	snap := s.store.ExportState()
	data, err := s.codec.Encode(snap)
	if err != nil {
		return blob.Info{}, err
	}
	info, err := store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: s.codec.ContentType(),
		Metadata: map[string]string{
			MetaFormat:        s.codec.Format,
			MetaCompression:   s.codec.Compression,
			MetaNodes:         strconv.Itoa(len(snap.Nodes)),
			MetaRelationships: strconv.Itoa(len(snap.Relationships)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("archive snapshot %q: %w", key, err)
	}
	s.log.Info("snapshot archived",
		slog.String("key", info.Key),
		slog.String("driver", string(store.Driver())),
		slog.Int64("bytes", info.Size))
	return info, nil
}

// RestoreArchive replaces the graph with the archive stored at key. The codec
// is read from the archive metadata, falling back to the service codec. It
// refuses to run while transactions are open.
func (s *Service) RestoreArchive(ctx context.Context, store blob.Store, key string) (blob.Info, error) {
	start := time.Now()
	info, err := s.restoreArchive(ctx, store, key)
	s.metrics.Observe(ctx, "restore_archive", err == nil, time.Since(start))
	return info, err
}

func (s *Service) restoreArchive(ctx context.Context, store blob.Store, key string) (blob.Info, error) {
	info, rc, err := store.Get(ctx, key)
	if err != nil {
		return blob.Info{}, fmt.Errorf("restore archive %q: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return blob.Info{}, fmt.Errorf("restore archive %q: read: %w", key, err)
	}
	codec := s.codec
	if f := info.Metadata[MetaFormat]; f != "" {
		codec.Format = f
	}
	if c := info.Metadata[MetaCompression]; c != "" {
		codec.Compression = c
	}
	snap, err := codec.Decode(data)
	if err != nil {
		return blob.Info{}, fmt.Errorf("restore archive %q: %w", key, err)
	}
	if err := s.replaceState(snap); err != nil {
		return blob.Info{}, err
	}
	s.log.Info("graph restored from archive",
		slog.String("key", key),
		slog.Int("nodes", len(snap.Nodes)),
		slog.Int("relationships", len(snap.Relationships)))
	return info, nil
}

// ListArchives lists archives under ArchivePrefix.
func (s *Service) ListArchives(ctx context.Context, store blob.Store) ([]blob.Info, error) {
	return store.List(ctx, ArchivePrefix)
}
