package s3

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB mock that understands the two
// condition expressions the sequencer uses.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDDBClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := params.Key["name"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[name]}, nil
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := params.Item["name"].(*types.AttributeValueMemberS).Value
	existing, exists := m.items[name]
	failed := &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}

	switch aws.ToString(params.ConditionExpression) {
	case "attribute_not_exists(seq)":
		if exists {
			return nil, failed
		}
	case "seq = :cur":
		want := params.ExpressionAttributeValues[":cur"].(*types.AttributeValueMemberN).Value
		if !exists || existing["seq"].(*types.AttributeValueMemberN).Value != want {
			return nil, failed
		}
	}
	m.items[name] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDDBSequencer_Next(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()
	seq := NewDDBSequencer(client, "admem-seq", "blobs/a")

	cur, err := seq.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)

	for want := uint64(1); want <= 3; want++ {
		got, err := seq.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Counters are independent per name.
	other := NewDDBSequencer(client, "admem-seq", "blobs/b")
	got, err := other.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestDDBSequencer_Concurrent(t *testing.T) {
	ctx := context.Background()
	client := newMockDDBClient()

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := NewDDBSequencer(client, "t", "shared")
			for i := 0; i < 10; i++ {
				n, err := seq.Next(ctx)
				if err == ErrConcurrentModification {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[n], "sequence %d handed out twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, seen)
}
