package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mailcroc/mailcroc/internal/address"
	"github.com/mailcroc/mailcroc/internal/email"
)

const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrID      = "id"
	attrPayload = "payload"
	attrTTL     = "ttl"

	prefixAddr = "ADDR#"
	prefixMsg  = "MSG#"

	// maxTransactItems is the DynamoDB limit on items per TransactWriteItems call.
	maxTransactItems = 100
)

// DynamoDBClient defines the DynamoDB operations used by DynamoStore.
type DynamoDBClient interface {
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore files one item per canonical recipient in a single table keyed
// by pk=ADDR#<canonical> and sk=MSG#<receivedAt>#<id>.
type DynamoStore struct {
	client    DynamoDBClient
	tableName string
	ttl       time.Duration
}

// NewDynamoStore creates a DynamoStore. A positive ttl stamps each item with an
// expiry epoch in the ttl attribute.
func NewDynamoStore(client DynamoDBClient, tableName string, ttl time.Duration) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
	}
}

// Save writes the message for every canonical recipient. Up to 100 recipient
// folders are written in one transaction.
func (s *DynamoStore) Save(ctx context.Context, msg *email.Email) (string, error) {
	folders := Folders(msg)
	if len(folders) == 0 {
		return "", ErrNoFolder
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	items := make([]types.TransactWriteItem, 0, len(folders))
	for _, folder := range folders {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      s.marshalItem(folder, msg, payload),
			},
		})
	}

	for start := 0; start < len(items); start += maxTransactItems {
		end := min(start+maxTransactItems, len(items))
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items[start:end],
		})
		if err != nil {
			return "", fmt.Errorf("failed to write message %s: %w", msg.ID, err)
		}
	}
	return msg.ID, nil
}

// List queries the partition of addr's canonical identity, newest first.
func (s *DynamoStore) List(ctx context.Context, addr string) ([]*email.Email, error) {
	folder := address.Normalize(address.Unwrap(addr))

	msgs := []*email.Email{}
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String(attrPK + " = :pk AND begins_with(" + attrSK + ", :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: prefixAddr + folder},
				":prefix": &types.AttributeValueMemberS{Value: prefixMsg},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}

		for _, item := range output.Items {
			msg, err := unmarshalItem(item)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}

		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		startKey = output.LastEvaluatedKey
	}
	return msgs, nil
}

// Name returns the backend identifier.
func (s *DynamoStore) Name() string {
	return "dynamodb"
}

func (s *DynamoStore) marshalItem(folder string, msg *email.Email, payload []byte) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: prefixAddr + folder},
		attrSK:      &types.AttributeValueMemberS{Value: sortKey(msg)},
		attrID:      &types.AttributeValueMemberS{Value: msg.ID},
		attrPayload: &types.AttributeValueMemberS{Value: string(payload)},
	}
	if s.ttl > 0 {
		expires := msg.ReceivedAt.Add(s.ttl).Unix()
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}
	return item
}

func unmarshalItem(item map[string]types.AttributeValue) (*email.Email, error) {
	v, ok := item[attrPayload].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("item missing %s attribute", attrPayload)
	}
	var msg email.Email
	if err := json.Unmarshal([]byte(v.Value), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode stored message: %w", err)
	}
	return &msg, nil
}

// sortKey orders items by receive time. The fixed-width timestamp keeps
// lexical and chronological order equal.
func sortKey(msg *email.Email) string {
	return prefixMsg + msg.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + msg.ID
}
