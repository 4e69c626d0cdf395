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

// ReadBatch fetches key and decodes it back into Records, the inverse of
// WriteBatch. Used by the Dedupe Engine (§4.J) and Validator (§4.L) to
// read a version partition's columnar pages.
func ReadBatch(ctx context.Context, backend objectstore.Store, key string) ([]Record, error) {
	data, err := backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("unified: get %s: %w", key, err)
	}

	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("unified: open arrow reader for %s: %w", key, err)
	}
	defer r.Release()

	var out []Record
	for r.Next() {
		rec := r.Record()
		out = append(out, recordsFromArrow(rec)...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unified: read %s: %w", key, err)
	}
	return out, nil
}

func recordsFromArrow(rec arrow.Record) []Record {
	exchangeC := rec.Column(0).(*array.String)
	symbolC := rec.Column(1).(*array.String)
	tradeIDC := rec.Column(2).(*array.String)
	sideC := rec.Column(3).(*array.String)
	priceC := rec.Column(4).(*array.Float64)
	quantityC := rec.Column(5).(*array.Float64)
	tradeTSC := rec.Column(6).(*array.Timestamp)

	n := int(rec.NumRows())
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = Record{
			Exchange: exchangeC.Value(i),
			Symbol:   symbolC.Value(i),
			TradeID:  tradeIDC.Value(i),
			Side:     sideC.Value(i),
			Price:    priceC.Value(i),
			Quantity: quantityC.Value(i),
			TradeTS:  time.UnixMicro(int64(tradeTSC.Value(i))).UTC(),
		}
	}
	return out
}
