package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/secflowhq/secflow/common/metrics"
)

// BlobStore holds spilled payloads keyed by opaque references. Implemented
// by common/redis; any content-addressed or keyed blob backend works.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string, maxSize int) ([]byte, error)
}

// Spiller moves payloads larger than the threshold out of the record and
// into blob storage, leaving a reference behind
type Spiller struct {
	Blobs     BlobStore
	Threshold int
	Metrics   *metrics.Metrics
}

// NewSpiller clamps the threshold into the allowed range
func NewSpiller(blobs BlobStore, threshold int) *Spiller {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	if threshold > MaxSpillThreshold {
		threshold = MaxSpillThreshold
	}
	return &Spiller{Blobs: blobs, Threshold: threshold}
}

// SpillKey builds the blob key for a node attempt payload
func SpillKey(runID, nodeRef string, attempt int, port string) string {
	return fmt.Sprintf("spill:%s:%s:%d:%s", runID, nodeRef, attempt, port)
}

// Offload encodes a payload and, if it exceeds the threshold, stores the
// bytes in the blob store. Returns the inline bytes (nil when spilled), the
// encoded size, the spilled flag, and the blob reference.
func (s *Spiller) Offload(ctx context.Context, key string, payload map[string]any) (json.RawMessage, int, bool, string, error) {
	if payload == nil {
		return nil, 0, false, "", nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, false, "", fmt.Errorf("encode payload: %w", err)
	}
	size := len(encoded)
	if size <= s.Threshold || s.Blobs == nil {
		return encoded, size, false, "", nil
	}
	if err := s.Blobs.Put(ctx, key, encoded); err != nil {
		return nil, 0, false, "", fmt.Errorf("spill payload %s: %w", key, err)
	}
	if s.Metrics != nil {
		s.Metrics.PayloadsSpilled.Inc()
	}
	return nil, size, true, key, nil
}

// Resolve returns the payload bytes, transparently loading spilled payloads
// up to the caller's size ceiling (0 means unlimited)
func (s *Spiller) Resolve(ctx context.Context, inline json.RawMessage, spilled bool, ref string, maxSize int) (json.RawMessage, error) {
	if !spilled {
		if maxSize > 0 && len(inline) > maxSize {
			return nil, ErrPayloadTooLarge
		}
		return inline, nil
	}
	if s.Blobs == nil {
		return nil, fmt.Errorf("payload %s is spilled but no blob store is configured", ref)
	}
	data, err := s.Blobs.Get(ctx, ref, maxSize)
	if err != nil {
		return nil, fmt.Errorf("resolve spilled payload %s: %w", ref, err)
	}
	return data, nil
}
