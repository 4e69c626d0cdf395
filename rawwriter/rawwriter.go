// Package rawwriter persists ingested trade pages: one JSON object per
// line, ISO8601 timestamps, gzip-compressed, written through a single
// PUT so the object store's atomic-visibility guarantee makes each page
// appear whole or not at all.
package rawwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/objectstore"
)

var log = tflog.New("rawwriter")

// Writer serializes RawRecords as gzip-compressed NDJSON and PUTs the
// result as one object. The write must be visible, as a whole, before
// the ingest controller advances its checkpoint.
type Writer struct {
	backend objectstore.Store
	prefix  string
	source  string
}

// NewWriter returns a Writer PUTting objects under "<prefix>/...", naming
// each key after source (e.g. "coinbase").
func NewWriter(backend objectstore.Store, prefix, source string) *Writer {
	return &Writer{backend: backend, prefix: prefix, source: source}
}

// Key reproduces the exact key encoding
// "raw_<source>_trades_<product>_<YYYYMMDDTHHMMSSZ>_<run_id>_<first>_<last>_<count>.jsonl"
// so retries under the same run_id land on the same key and overwrite
// harmlessly.
func (w *Writer) Key(productID string, ingestTS time.Time, runID string, firstTradeID, lastTradeID int64, count int) string {
	stamp := ingestTS.UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("raw_%s_trades_%s_%s_%s_%d_%d_%d.jsonl",
		w.source, productID, stamp, runID, firstTradeID, lastTradeID, count)
	if w.prefix == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", w.prefix, name)
}

// Flush serializes records as gzip-compressed newline-delimited JSON and
// writes them to key in a single PUT. It is the caller's responsibility
// (the Ingest Controller) to compute key via Key and to checkpoint only
// after Flush returns nil.
func (w *Writer) Flush(ctx context.Context, key string, records []exchange.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz) // Encode appends "\n" per call, giving NDJSON for free
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = gz.Close()
			return fmt.Errorf("rawwriter: encode record %s: %w", r.TradeID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("rawwriter: close gzip stream: %w", err)
	}

	// The body is gzip-compressed but the key keeps the ".jsonl" suffix the
	// downstream consumers match on; ReadAll sniffs the gzip magic bytes.
	if err := w.backend.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return fmt.Errorf("rawwriter: put %s: %w", key, err)
	}
	log.Info("flushed raw page", "key", key, "records", len(records))
	return nil
}
