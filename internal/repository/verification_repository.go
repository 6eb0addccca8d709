package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	verificationPrefix = "VERIFICATION#"
	verificationSK     = "VERIFICATION"

	// Expired codes stay readable for lazy rejection; DynamoDB TTL removes
	// them eventually.
	verificationRetention = 24 * time.Hour
)

// VerificationRepository stores one item per code plus a pointer item in
// the owning user's partition naming that user's current code.
type VerificationRepository struct {
	client    DynamoDBAPI
	tableName string
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewVerificationRepository(client DynamoDBAPI, tableName string, timeout time.Duration, logger *logrus.Logger) *VerificationRepository {
	return &VerificationRepository{
		client:    client,
		tableName: tableName,
		timeout:   timeout,
		logger:    logger,
	}
}

func codeKey(code string) map[string]types.AttributeValue {
	return itemKey(verificationPrefix+code, "METADATA")
}

func pointerKey(email string) map[string]types.AttributeValue {
	return itemKey(models.UserPK(email), verificationSK)
}

// Replace deletes the user's previous code and stores token in one
// transaction. A concurrent Replace for the same user makes one of them fail
// with ErrConflict.
func (r *VerificationRepository) Replace(ctx context.Context, token *models.VerificationToken) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	previous, err := r.currentCode(ctx, token.UserEmail)
	if err != nil {
		return err
	}
	if previous == token.Code {
		return ErrConflict
	}

	item, err := attributevalue.MarshalMap(token)
	if err != nil {
		return fmt.Errorf("failed to marshal verification token: %w", err)
	}
	for k, v := range codeKey(token.Code) {
		item[k] = v
	}
	item["TTL"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(token.ExpiresAt.Add(verificationRetention).Unix(), 10)}

	pointer := pointerKey(token.UserEmail)
	pointer["code"] = &types.AttributeValueMemberS{Value: token.Code}

	pointerPut := &types.Put{
		TableName:           aws.String(r.tableName),
		Item:                pointer,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}

	var items []types.TransactWriteItem
	if previous != "" {
		pointerPut.ConditionExpression = aws.String("#code = :previous")
		pointerPut.ExpressionAttributeNames = map[string]string{"#code": "code"}
		pointerPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":previous": &types.AttributeValueMemberS{Value: previous},
		}
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key:       codeKey(previous),
		}})
	}

	items = append(items,
		types.TransactWriteItem{Put: pointerPut},
		types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(r.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	)

	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isConditionFailure(err) {
			return ErrConflict
		}
		r.logger.WithError(err).Error("Failed to store verification token in DynamoDB")
		return fmt.Errorf("failed to store verification token: %w", err)
	}

	return nil
}

// FindByCode returns nil, nil when the code is unknown.
func (r *VerificationRepository) FindByCode(ctx context.Context, code string) (*models.VerificationToken, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            codeKey(code),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var token models.VerificationToken
	if err := attributevalue.UnmarshalMap(result.Item, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification token: %w", err)
	}

	return &token, nil
}

// Delete removes token. ErrNotFound means another caller already removed it,
// which makes Delete usable as the single-use claim on a code.
func (r *VerificationRepository) Delete(ctx context.Context, token *models.VerificationToken) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 codeKey(token.Code),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete verification token: %w", err)
	}

	// The pointer only goes if it still names this code.
	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       pointerKey(token.UserEmail),
		ConditionExpression:       aws.String("#code = :code"),
		ExpressionAttributeNames:  map[string]string{"#code": "code"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":code": &types.AttributeValueMemberS{Value: token.Code}},
	})
	if err != nil && !isConditionFailure(err) {
		r.logger.WithError(err).Warn("Failed to delete verification pointer")
	}

	return nil
}

func (r *VerificationRepository) currentCode(ctx context.Context, email string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            pointerKey(email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get verification pointer: %w", err)
	}

	if code, ok := result.Item["code"].(*types.AttributeValueMemberS); ok {
		return code.Value, nil
	}
	return "", nil
}
