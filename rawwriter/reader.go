package rawwriter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/objectstore"
)

// ReadAll fetches key and decodes it as NDJSON RawRecords, the inverse of
// Flush. The body may be gzip-compressed (Flush's output) or plain NDJSON
// (pages written by older ingest versions); the gzip magic bytes decide.
// Used by the transform engine to stream raw pages back out of the
// object store.
func ReadAll(ctx context.Context, backend objectstore.Store, key string) ([]exchange.RawRecord, error) {
	data, err := backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rawwriter: get %s: %w", key, err)
	}

	var body io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("rawwriter: open gzip stream for %s: %w", key, err)
		}
		defer gz.Close()
		body = gz
	}

	var records []exchange.RawRecord
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var r exchange.RawRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("rawwriter: decode line in %s: %w", key, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rawwriter: scan %s: %w", key, err)
	}
	return records, nil
}
