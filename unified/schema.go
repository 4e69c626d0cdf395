// Package unified is the columnar codec for the curated trade dataset: a
// fixed Arrow schema
// {exchange, symbol, trade_id, side, price, quantity, trade_ts} written
// as Arrow IPC stream files under a version partition.
package unified

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Schema is the fixed unified-trade schema. Column order is part of the
// format and must not change between releases.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "exchange", Type: arrow.BinaryTypes.String},
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "trade_id", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "quantity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "trade_ts", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
}, nil)

// Record is the in-memory row shape transform.go projects raw records
// into before batching them for a columnar write.
type Record struct {
	Exchange string
	Symbol   string
	TradeID  string
	Side     string
	Price    float64
	Quantity float64
	TradeTS  time.Time
}
