package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"convo-bridge/internal/domain"
)

const (
	pkPrefixConv = "CONV#"
	skState      = "STATE#"
	// maxBatchDelete is DynamoDB's BatchWriteItem request limit.
	maxBatchDelete = 25
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps one item per conversation in a DynamoDB table so several
// bridge instances can share session state. The ttl attribute mirrors the
// record expiry so table-level TTL evicts abandoned conversations too.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

// NewDynamoStore creates a DynamoStore for tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

// Load scans every state item in the table. Items that do not decode are
// skipped and reported in a *LoadError.
func (c *DynamoStore) Load(ctx context.Context) (map[string]domain.ConversationRecord, error) {
	out := make(map[string]domain.ConversationRecord)
	skipped := make(map[string]error)
	var startKey map[string]types.AttributeValue
	for {
		page, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: skState},
			},
			ExclusiveStartKey: startKey,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("repository: Load scan: %w", err)
		}
		for _, item := range page.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				skipped[itemKey(item, len(skipped))] = err
				continue
			}
			out[rec.ConversationID] = rec
		}
		if len(page.LastEvaluatedKey) == 0 {
			return loadResult(out, skipped)
		}
		startKey = page.LastEvaluatedKey
	}
}

// Get reads one state item with a strongly consistent read.
func (c *DynamoStore) Get(ctx context.Context, conversationID string) (domain.ConversationRecord, bool, error) {
	res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            stateKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if res == nil || len(res.Item) == 0 {
		return domain.ConversationRecord{}, false, nil
	}
	rec, err := itemToRecord(res.Item)
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	return rec, true, nil
}

// Put writes or replaces the conversation state item.
func (c *DynamoStore) Put(ctx context.Context, rec domain.ConversationRecord) error {
	if rec.ConversationID == "" {
		return errors.New("repository: Put: conversation id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      recordItem(rec),
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Delete removes the state items for ids in batches of 25.
func (c *DynamoStore) Delete(ctx context.Context, ids ...string) error {
	for start := 0; start < len(ids); start += maxBatchDelete {
		end := min(start+maxBatchDelete, len(ids))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, id := range ids[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: stateKey(id)},
			})
		}
		pending := map[string][]types.WriteRequest{c.tableName: reqs}
		// Unprocessed items are resubmitted once; anything left after that is
		// reported and reconciled by the next sweep.
		for attempt := 0; attempt < 2 && len(pending) > 0; attempt++ {
			res, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("repository: Delete: %w", err)
			}
			pending = nil
			if res != nil && len(res.UnprocessedItems) > 0 {
				pending = res.UnprocessedItems
			}
		}
		if len(pending) > 0 {
			return fmt.Errorf("repository: Delete: %d items unprocessed", len(pending[c.tableName]))
		}
	}
	return nil
}

func stateKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

func recordItem(rec domain.ConversationRecord) map[string]types.AttributeValue {
	item := stateKey(rec.ConversationID)
	item["conversationId"] = &types.AttributeValueMemberS{Value: rec.ConversationID}
	item["state"] = &types.AttributeValueMemberS{Value: string(rec.State)}
	item["expiry"] = &types.AttributeValueMemberS{Value: formatTime(rec.Expiry)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Expiry.Unix(), 10)}
	if !rec.Created.IsZero() {
		item["created"] = &types.AttributeValueMemberS{Value: formatTime(rec.Created)}
	}
	if rec.SessionID != nil {
		item["sessionId"] = &types.AttributeValueMemberS{Value: *rec.SessionID}
	}
	if rec.LastUserReplyTime != nil {
		item["lastUserReplyTime"] = &types.AttributeValueMemberS{Value: formatTime(*rec.LastUserReplyTime)}
	}
	if rec.LastAIResponseTime != nil {
		item["lastAiResponseTime"] = &types.AttributeValueMemberS{Value: formatTime(*rec.LastAIResponseTime)}
	}
	if rec.AdminID != "" {
		item["adminId"] = &types.AttributeValueMemberS{Value: rec.AdminID}
	}
	return item
}

// itemToRecord converts a DynamoDB attribute map to a ConversationRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.ConversationRecord, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	expiry, err := strAttr(item, "expiry")
	if err != nil {
		return domain.ConversationRecord{}, err
	}
	state, _ := strAttr(item, "state") // legacy items default to ready

	in := recordJSON{
		Expiry: expiry,
		State:  domain.State(state),
	}
	in.Created, _ = strAttr(item, "created")
	in.AdminID, _ = strAttr(item, "adminId")
	if v, err := strAttr(item, "sessionId"); err == nil {
		in.SessionID = &v
	}
	if v, err := strAttr(item, "lastUserReplyTime"); err == nil {
		in.LastUserReplyTime = &v
	}
	if v, err := strAttr(item, "lastAiResponseTime"); err == nil {
		in.LastAIResponseTime = &v
	}
	rec, err := fromJSON(id, in)
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: item %q: %w", id, err)
	}
	return rec, nil
}

// itemKey names an undecodable item by its partition key.
func itemKey(item map[string]types.AttributeValue, n int) string {
	if pk, err := strAttr(item, "PK"); err == nil {
		if id := strings.TrimPrefix(pk, pkPrefixConv); id != "" {
			return id
		}
	}
	return "item#" + strconv.Itoa(n)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
