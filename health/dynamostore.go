package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore persists health rows in a table keyed by
// (exchange_name, timestamp), queried in descending sort-key order for
// the latest row. Every write carries a 7-day TTL attribute so old rows
// age out of the table.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore returns a Store backed by the given table.
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Latest(ctx context.Context, exchange string) (Record, bool, error) {
	keyCond := expression.Key("exchange_name").Equal(expression.Value(exchange))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return Record{}, false, fmt.Errorf("health: build query: %w", err)
	}

	forward := false
	limit := int32(1)
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          &forward,
		Limit:                     &limit,
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("health: query %s: %w", exchange, err)
	}
	if len(out.Items) == 0 {
		return Record{}, false, nil
	}
	return recordFromItem(out.Items[0]), true, nil
}

func (s *DynamoStore) Put(ctx context.Context, rec Record) error {
	rec.Timestamp = time.Now().UTC()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      itemFromRecord(rec),
	})
	if err != nil {
		return fmt.Errorf("health: put %s: %w", rec.Exchange, err)
	}
	return nil
}

func (s *DynamoStore) ConditionalTransition(ctx context.Context, exchange string, expected, newState CircuitState) (bool, error) {
	current, found, err := s.Latest(ctx, exchange)
	if err != nil {
		return false, err
	}
	if !found {
		current = Record{Exchange: exchange, Status: StatusHealthy}
	}
	current.CircuitState = newState
	current.Timestamp = time.Now().UTC()

	expr, err := expression.NewBuilder().
		WithCondition(expression.Or(
			expression.AttributeNotExists(expression.Name("timestamp")),
			expression.Name("circuit_state").Equal(expression.Value(string(expected))),
		)).
		Build()
	if err != nil {
		return false, fmt.Errorf("health: build condition: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      itemFromRecord(current),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("health: conditional transition %s: %w", exchange, err)
	}
	return true, nil
}

func itemFromRecord(rec Record) map[string]types.AttributeValue {
	ttl := time.Now().UTC().Add(7 * 24 * time.Hour).Unix()
	item := map[string]types.AttributeValue{
		"exchange_name":          &types.AttributeValueMemberS{Value: rec.Exchange},
		"timestamp":              &types.AttributeValueMemberS{Value: rec.Timestamp.Format(time.RFC3339Nano)},
		"status":                 &types.AttributeValueMemberS{Value: string(rec.Status)},
		"circuit_state":          &types.AttributeValueMemberS{Value: string(rec.CircuitState)},
		"consecutive_failures":   &types.AttributeValueMemberN{Value: fmt.Sprint(rec.ConsecutiveFailures)},
		"consecutive_successes":  &types.AttributeValueMemberN{Value: fmt.Sprint(rec.ConsecutiveSuccesses)},
		"avg_response_time_ms":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%f", rec.AvgResponseTimeMS)},
		"error_rate":             &types.AttributeValueMemberN{Value: fmt.Sprintf("%f", rec.ErrorRate)},
		"request_count":          &types.AttributeValueMemberN{Value: fmt.Sprint(rec.RequestCount)},
		"reopen_count":           &types.AttributeValueMemberN{Value: fmt.Sprint(rec.ReopenCount)},
		"ttl":                    &types.AttributeValueMemberN{Value: fmt.Sprint(ttl)},
	}
	if !rec.LastSuccessTS.IsZero() {
		item["last_success_ts"] = &types.AttributeValueMemberS{Value: rec.LastSuccessTS.Format(time.RFC3339Nano)}
	}
	if !rec.LastFailureTS.IsZero() {
		item["last_failure_ts"] = &types.AttributeValueMemberS{Value: rec.LastFailureTS.Format(time.RFC3339Nano)}
	}
	if rec.LastErrorMessage != "" {
		item["last_error_message"] = &types.AttributeValueMemberS{Value: rec.LastErrorMessage}
	}
	return item
}

func recordFromItem(item map[string]types.AttributeValue) Record {
	rec := Record{}
	str := func(k string) string {
		if v, ok := item[k].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(k string) float64 {
		if v, ok := item[k].(*types.AttributeValueMemberN); ok {
			var f float64
			fmt.Sscan(v.Value, &f)
			return f
		}
		return 0
	}
	rec.Exchange = str("exchange_name")
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, str("timestamp"))
	rec.Status = Status(str("status"))
	rec.CircuitState = CircuitState(str("circuit_state"))
	rec.ConsecutiveFailures = int(num("consecutive_failures"))
	rec.ConsecutiveSuccesses = int(num("consecutive_successes"))
	rec.AvgResponseTimeMS = num("avg_response_time_ms")
	rec.ErrorRate = num("error_rate")
	rec.RequestCount = int(num("request_count"))
	rec.ReopenCount = int(num("reopen_count"))
	rec.LastErrorMessage = str("last_error_message")
	if s := str("last_success_ts"); s != "" {
		rec.LastSuccessTS, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s := str("last_failure_ts"); s != "" {
		rec.LastFailureTS, _ = time.Parse(time.RFC3339Nano, s)
	}
	return rec
}
