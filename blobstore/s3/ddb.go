package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// ErrConcurrentModification is returned when the counter kept changing
// under every attempt.
var ErrConcurrentModification = errors.New("concurrent modification detected")

const maxSequenceAttempts = 16

// DDBSequencer hands out WAL sequence numbers from a DynamoDB item, so
// several processes writing to the same object prefix never reuse one.
//
// Each call reads the counter and writes counter+1 with a conditional put
// that only succeeds if nobody else advanced it in between.
//
// Table schema:
//   - Partition key: name (string)
//   - Attribute: seq (number)
type DDBSequencer struct {
	client DDBClient
	table  string
	name   string
}

// NewDDBSequencer creates a sequencer for the counter called name.
func NewDDBSequencer(client DDBClient, table, name string) *DDBSequencer {
	return &DDBSequencer{client: client, table: table, name: name}
}

func (s *DDBSequencer) itemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: s.name},
	}
}

// Current returns the last handed out sequence, or 0.
func (s *DDBSequencer) Current(ctx context.Context) (uint64, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence from DynamoDB: %w", err)
	}
	if resp.Item == nil {
		return 0, nil
	}
	attr, ok := resp.Item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("invalid seq attribute in DynamoDB")
	}
	seq, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse seq: %w", err)
	}
	return seq, nil
}

// Next returns a sequence that was never returned before.
func (s *DDBSequencer) Next(ctx context.Context) (uint64, error) {
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		cur, err := s.Current(ctx)
		if err != nil {
			return 0, err
		}
		next := cur + 1

		input := &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item: map[string]types.AttributeValue{
				"name": &types.AttributeValueMemberS{Value: s.name},
				"seq":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			},
		}
		if cur == 0 {
			input.ConditionExpression = aws.String("attribute_not_exists(seq)")
		} else {
			input.ConditionExpression = aws.String("seq = :cur")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":cur": &types.AttributeValueMemberN{Value: strconv.FormatUint(cur, 10)},
			}
		}

		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return next, nil
		}
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return 0, fmt.Errorf("failed to advance sequence in DynamoDB: %w", err)
		}
	}
	return 0, ErrConcurrentModification
}
