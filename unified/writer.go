package unified

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/schemahub/tradefeed/objectstore"
)

// WriteBatch builds one Arrow IPC stream file from records and PUTs it
// to key as a single object.
func WriteBatch(ctx context.Context, backend objectstore.Store, key string, records []Record) error {
	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, Schema)
	defer builder.Release()

	exchangeB := builder.Field(0).(*array.StringBuilder)
	symbolB := builder.Field(1).(*array.StringBuilder)
	tradeIDB := builder.Field(2).(*array.StringBuilder)
	sideB := builder.Field(3).(*array.StringBuilder)
	priceB := builder.Field(4).(*array.Float64Builder)
	quantityB := builder.Field(5).(*array.Float64Builder)
	tradeTSB := builder.Field(6).(*array.TimestampBuilder)

	for _, r := range records {
		exchangeB.Append(r.Exchange)
		symbolB.Append(r.Symbol)
		tradeIDB.Append(r.TradeID)
		sideB.Append(r.Side)
		priceB.Append(r.Price)
		quantityB.Append(r.Quantity)
		tradeTSB.Append(arrow.Timestamp(r.TradeTS.UTC().UnixMicro()))
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(Schema), ipc.WithAllocator(pool))
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("unified: write arrow record for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("unified: close arrow writer for %s: %w", key, err)
	}

	if err := backend.Put(ctx, key, buf.Bytes(), "application/vnd.apache.arrow.stream"); err != nil {
		return fmt.Errorf("unified: put %s: %w", key, err)
	}
	return nil
}

// BatchKey builds the versioned output key
// "<prefix>/v<N>/unified_trades_<ts>_<run_id>_<count>.arrows".
func BatchKey(prefix string, version int, ts time.Time, runID string, count int) string {
	stamp := ts.UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("unified_trades_%s_%s_%d.arrows", stamp, runID, count)
	return fmt.Sprintf("%s/v%d/%s", prefix, version, name)
}
