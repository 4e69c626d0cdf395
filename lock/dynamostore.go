package lock

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

// DynamoStore backs lock leases with conditional DynamoDB expressions
// (conditional put predicated on attribute_not_exists, conditional
// update/delete predicated on lock_id).
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore returns a Store backed by the given table, keyed by the
// single partition key "lock_name".
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Get(ctx context.Context, name string) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"lock_name": &types.AttributeValueMemberS{Value: name},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("lock: dynamodb get %s: %w", name, err)
	}
	if out.Item == nil {
		return Record{}, ErrNotFound
	}
	return recordFromItem(out.Item), nil
}

func (s *DynamoStore) PutIfAbsent(ctx context.Context, rec Record) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("lock_name"))).
		Build()
	if err != nil {
		return fmt.Errorf("lock: build condition: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      itemFromRecord(rec),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return wrapConditionErr(err)
}

func (s *DynamoStore) ReplaceIfExpired(ctx context.Context, rec Record, now time.Time) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("ttl").LessThan(expression.Value(now.Unix()))).
		Build()
	if err != nil {
		return fmt.Errorf("lock: build condition: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      itemFromRecord(rec),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return wrapConditionErr(err)
}

func (s *DynamoStore) UpdateIfMatch(ctx context.Context, rec Record) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("lock_id").Equal(expression.Value(rec.LockID))).
		WithUpdate(expression.Set(expression.Name("ttl"), expression.Value(rec.TTL.Unix())).
			Set(expression.Name("renewed_at"), expression.Value(rec.RenewedAt.Format(time.RFC3339)))).
		Build()
	if err != nil {
		return fmt.Errorf("lock: build condition: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"lock_name": &types.AttributeValueMemberS{Value: rec.LockName},
		},
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return wrapConditionErr(err)
}

func (s *DynamoStore) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("lock_id").Equal(expression.Value(lockID))).
		Build()
	if err != nil {
		return fmt.Errorf("lock: build condition: %w", err)
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"lock_name": &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil && isConditionFailure(err) {
		// Absent or mismatched rows are not errors for release.
		return nil
	}
	return err
}

func wrapConditionErr(err error) error {
	if err == nil {
		return nil
	}
	if isConditionFailure(err) {
		return ErrConditionFailed
	}
	return err
}

func isConditionFailure(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func itemFromRecord(rec Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"lock_name":   &types.AttributeValueMemberS{Value: rec.LockName},
		"lock_id":     &types.AttributeValueMemberS{Value: rec.LockID},
		"acquired_at": &types.AttributeValueMemberS{Value: rec.AcquiredAt.Format(time.RFC3339)},
		"ttl":         &types.AttributeValueMemberN{Value: fmt.Sprint(rec.TTL.Unix())},
	}
	if !rec.RenewedAt.IsZero() {
		item["renewed_at"] = &types.AttributeValueMemberS{Value: rec.RenewedAt.Format(time.RFC3339)}
	}
	return item
}

func recordFromItem(item map[string]types.AttributeValue) Record {
	rec := Record{}
	if v, ok := item["lock_name"].(*types.AttributeValueMemberS); ok {
		rec.LockName = v.Value
	}
	if v, ok := item["lock_id"].(*types.AttributeValueMemberS); ok {
		rec.LockID = v.Value
	}
	if v, ok := item["acquired_at"].(*types.AttributeValueMemberS); ok {
		rec.AcquiredAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	if v, ok := item["renewed_at"].(*types.AttributeValueMemberS); ok {
		rec.RenewedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	if v, ok := item["ttl"].(*types.AttributeValueMemberN); ok {
		var unix int64
		fmt.Sscan(v.Value, &unix)
		rec.TTL = time.Unix(unix, 0)
	}
	return rec
}
