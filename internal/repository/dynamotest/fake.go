// Package dynamotest provides an in-memory stand-in for the DynamoDB calls
// made by the repository package. It understands the condition expressions
// those repositories emit and nothing more.
package dynamotest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type Fake struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// Err, when set, is returned by every call.
	Err error
	// BeforeTransact runs before a transaction is evaluated, outside the lock.
	BeforeTransact func()
}

func New() *Fake {
	return &Fake{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return &dynamodb.GetItemOutput{Item: clone(f.items[keyOf(in.Key)])}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(in.Item)
	ok, err := holds(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	f.items[key] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(in.Key)
	ok, err := holds(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	if f.BeforeTransact != nil {
		f.BeforeTransact()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, item := range in.TransactItems {
		var (
			key    string
			expr   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case item.Put != nil:
			key, expr, names, values = keyOf(item.Put.Item), item.Put.ConditionExpression, item.Put.ExpressionAttributeNames, item.Put.ExpressionAttributeValues
		case item.Delete != nil:
			key, expr, names, values = keyOf(item.Delete.Key), item.Delete.ConditionExpression, item.Delete.ExpressionAttributeNames, item.Delete.ExpressionAttributeValues
		case item.ConditionCheck != nil:
			key, expr, names, values = keyOf(item.ConditionCheck.Key), item.ConditionCheck.ConditionExpression, item.ConditionCheck.ExpressionAttributeNames, item.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, fmt.Errorf("dynamotest: unsupported transact item")
		}

		ok, err := holds(aws.ToString(expr), names, values, f.items[key])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.TransactionCanceledException{Message: aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [ConditionalCheckFailed]")}
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			f.items[keyOf(item.Put.Item)] = clone(item.Put.Item)
		case item.Delete != nil:
			delete(f.items, keyOf(item.Delete.Key))
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.items[pk+"|"+sk])
}

// CountPrefix counts stored items whose partition key starts with prefix.
func (f *Fake) CountPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for key := range f.items {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) check(ctx context.Context) error {
	if f.Err != nil {
		return f.Err
	}
	return ctx.Err()
}

func holds(expr string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return true, nil
	case strings.HasPrefix(expr, "attribute_not_exists("):
		return existing == nil, nil
	case strings.HasPrefix(expr, "attribute_exists("):
		return existing != nil, nil
	}

	lhs, rhs, ok := strings.Cut(expr, "=")
	if !ok {
		return false, fmt.Errorf("dynamotest: unsupported condition %q", expr)
	}
	if existing == nil {
		return false, nil
	}

	name := strings.TrimSpace(lhs)
	if resolved, ok := names[name]; ok {
		name = resolved
	}

	got, _ := existing[name].(*types.AttributeValueMemberS)
	want, _ := values[strings.TrimSpace(rhs)].(*types.AttributeValueMemberS)
	return got != nil && want != nil && got.Value == want.Value, nil
}

func keyOf(item map[string]types.AttributeValue) string {
	pk, _ := item["PK"].(*types.AttributeValueMemberS)
	sk, _ := item["SK"].(*types.AttributeValueMemberS)
	if pk == nil || sk == nil {
		return ""
	}
	return pk.Value + "|" + sk.Value
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
