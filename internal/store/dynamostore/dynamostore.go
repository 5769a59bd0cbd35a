// Package dynamostore keeps conversation state and analytics counters in a
// single DynamoDB table. Atomicity comes from condition expressions and
// ADD updates; nothing is read and then written back.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
)

const (
	skState     = "STATE"
	skDayPrefix = "DAY#"
)

// dynamodbAPI is the subset of the DynamoDB client used by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store implements store.StateStore and store.AnalyticsStore on DynamoDB.
type Store struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var (
	_ store.StateStore     = (*Store)(nil)
	_ store.AnalyticsStore = (*Store)(nil)
)

// New creates a Store over tableName.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamostore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamostore: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, now: time.Now}, nil
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// A non-empty endpoint points the client at a local DynamoDB.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func convPK(key store.ConversationKey) string {
	return "CONV#" + string(key.ChatType) + "#" + key.ConversationID
}

func statsPK(chatType models.ChatType) string {
	return "STATS#" + string(chatType)
}

func bucketSK(day, messageKey string) string {
	return skDayPrefix + day + "#" + messageKey
}

func (s *Store) stateKey(key store.ConversationKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strVal(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func boolVal(b bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: b}
}

func timeVal(t time.Time) types.AttributeValue {
	return strVal(t.UTC().Format(time.RFC3339Nano))
}

// conditionFailed reports whether err is a failed condition check and
// returns the item DynamoDB attached to it, if any.
func conditionFailed(err error) (map[string]types.AttributeValue, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf.Item, true
	}
	return nil, false
}

// --- conversation state ---

func (s *Store) CreateIfAbsent(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	now := s.now()
	item := s.stateKey(key)
	item["chatType"] = strVal(string(key.ChatType))
	item["conversationId"] = strVal(key.ConversationID)
	item["currentStep"] = numAttr(0)
	item["isActive"] = boolVal(false)
	item["completed"] = boolVal(false)
	item["userMessageCount"] = numAttr(0)
	item["lastMessageKey"] = strVal("")
	item["version"] = numAttr(0)
	item["createdAt"] = timeVal(now)
	item["updatedAt"] = timeVal(now)

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return itemToState(item)
	}
	if _, ok := conditionFailed(err); !ok {
		return models.ConversationState{}, store.Unavailable("dynamostore: create state "+key.String(), err)
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.stateKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.ConversationState{}, store.Unavailable("dynamostore: load state "+key.String(), err)
	}
	if out == nil || len(out.Item) == 0 {
		// Torn down between the put and the read.
		return models.ConversationState{}, fmt.Errorf("dynamostore: load state %s: %w", key, store.ErrConflict)
	}
	st, err := itemToState(out.Item)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("dynamostore: load state %s: %w", key, err)
	}
	return st, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key store.ConversationKey, expectedVersion int64, next store.StateUpdate) (models.ConversationState, error) {
	sets := []string{
		"currentStep = :step",
		"isActive = :active",
		"completed = :completed",
		"userMessageCount = :count",
		"lastMessageKey = :msgKey",
		"updatedAt = :now",
	}
	values := map[string]types.AttributeValue{
		":step":      numAttr(int64(next.CurrentStep)),
		":active":    boolVal(next.IsActive),
		":completed": boolVal(next.Completed),
		":count":     numAttr(int64(next.UserMessageCount)),
		":msgKey":    strVal(next.LastMessageKey),
		":now":       timeVal(s.now()),
		":expected":  numAttr(expectedVersion),
		":one":       numAttr(1),
	}
	if !next.LastBotMessageAt.IsZero() {
		sets = append(sets, "lastBotMessageAt = :botAt")
		values[":botAt"] = timeVal(next.LastBotMessageAt)
	}
	if !next.LastAdminReplyAt.IsZero() {
		sets = append(sets, "lastAdminReplyAt = :adminAt")
		values[":adminAt"] = timeVal(next.LastAdminReplyAt)
	}

	return s.conditionalUpdate(ctx, key, "cas", &dynamodb.UpdateItemInput{
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ") + " ADD version :one"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND version = :expected"),
		ExpressionAttributeValues: values,
	})
}

func (s *Store) IncrementDormant(ctx context.Context, key store.ConversationKey) (models.ConversationState, error) {
	return s.conditionalUpdate(ctx, key, "increment", &dynamodb.UpdateItemInput{
		UpdateExpression:    aws.String("SET updatedAt = :now ADD userMessageCount :one, version :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND isActive = :false AND completed = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   timeVal(s.now()),
			":one":   numAttr(1),
			":false": boolVal(false),
		},
	})
}

// conditionalUpdate fills in the table and key, runs the update, and maps a
// failed condition to ErrNotFound or ErrConflict using the returned old item.
func (s *Store) conditionalUpdate(ctx context.Context, key store.ConversationKey, op string, in *dynamodb.UpdateItemInput) (models.ConversationState, error) {
	in.TableName = aws.String(s.tableName)
	in.Key = s.stateKey(key)
	in.ReturnValues = types.ReturnValueAllNew
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	out, err := s.api.UpdateItem(ctx, in)
	if err != nil {
		if old, ok := conditionFailed(err); ok {
			if len(old) == 0 {
				return models.ConversationState{}, fmt.Errorf("dynamostore: %s state %s: %w", op, key, store.ErrNotFound)
			}
			return models.ConversationState{}, fmt.Errorf("dynamostore: %s state %s: %w", op, key, store.ErrConflict)
		}
		return models.ConversationState{}, store.Unavailable(fmt.Sprintf("dynamostore: %s state %s", op, key), err)
	}
	st, err := itemToState(out.Attributes)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("dynamostore: %s state %s: %w", op, key, err)
	}
	return st, nil
}

func (s *Store) DeleteState(ctx context.Context, key store.ConversationKey) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.stateKey(key),
	})
	if err != nil {
		return store.Unavailable("dynamostore: delete state "+key.String(), err)
	}
	return nil
}

func itemToState(item map[string]types.AttributeValue) (models.ConversationState, error) {
	var (
		st  models.ConversationState
		err error
	)
	chatType, err := strAttr(item, "chatType")
	if err != nil {
		return st, err
	}
	st.ChatType = models.ChatType(chatType)
	if st.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return st, err
	}
	if st.CurrentStep, err = intAttr(item, "currentStep"); err != nil {
		return st, err
	}
	if st.UserMessageCount, err = intAttr(item, "userMessageCount"); err != nil {
		return st, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return st, err
	}
	st.Version = int64(version)
	if st.IsActive, err = boolAttr(item, "isActive"); err != nil {
		return st, err
	}
	if st.Completed, err = boolAttr(item, "completed"); err != nil {
		return st, err
	}
	st.LastMessageKey, _ = strAttr(item, "lastMessageKey") // allow empty
	if st.LastBotMessageAt, err = timeAttr(item, "lastBotMessageAt"); err != nil {
		return st, err
	}
	if st.LastAdminReplyAt, err = timeAttr(item, "lastAdminReplyAt"); err != nil {
		return st, err
	}
	if t, _ := timeAttr(item, "createdAt"); t != nil {
		st.CreatedAt = *t
	}
	if t, _ := timeAttr(item, "updatedAt"); t != nil {
		st.UpdatedAt = *t
	}
	return st, nil
}

// --- analytics ---

func (s *Store) IncrementBucket(ctx context.Context, key store.BucketKey, stepNumber int, counter store.Counter) error {
	var attr string
	switch counter {
	case store.CounterTrigger:
		attr = "triggerCount"
	case store.CounterAdminReply:
		attr = "adminReplyCount"
	default:
		return fmt.Errorf("dynamostore: unknown counter %s", counter)
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(statsPK(key.ChatType)),
			"SK": strVal(bucketSK(key.Day, key.MessageKey)),
		},
		UpdateExpression: aws.String("SET chatType = :ct, messageKey = :mk, bucketDay = :day, " +
			"stepNumber = if_not_exists(stepNumber, :step), createdAt = if_not_exists(createdAt, :now), " +
			"updatedAt = :now ADD " + attr + " :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ct":   strVal(string(key.ChatType)),
			":mk":   strVal(key.MessageKey),
			":day":  strVal(key.Day),
			":step": numAttr(int64(stepNumber)),
			":now":  timeVal(s.now()),
			":one":  numAttr(1),
		},
	})
	if err != nil {
		return store.Unavailable(fmt.Sprintf("dynamostore: increment %s %s/%s/%s", counter, key.ChatType, key.MessageKey, key.Day), err)
	}
	return nil
}

func (s *Store) Buckets(ctx context.Context, chatType models.ChatType, fromDay, toDay string) ([]models.AnalyticsRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   strVal(statsPK(chatType)),
			":from": strVal(skDayPrefix + fromDay + "#"),
			// '$' sorts directly after '#', closing the range over every key on toDay.
			":to": strVal(skDayPrefix + toDay + "$"),
		},
	}

	var recs []models.AnalyticsRecord
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, store.Unavailable(fmt.Sprintf("dynamostore: buckets %s %s..%s", chatType, fromDay, toDay), err)
		}
		for _, item := range out.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, fmt.Errorf("dynamostore: buckets %s: %w", chatType, err)
			}
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return recs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func itemToRecord(item map[string]types.AttributeValue) (models.AnalyticsRecord, error) {
	var rec models.AnalyticsRecord
	chatType, err := strAttr(item, "chatType")
	if err != nil {
		return rec, err
	}
	rec.ChatType = models.ChatType(chatType)
	if rec.MessageKey, err = strAttr(item, "messageKey"); err != nil {
		return rec, err
	}
	if rec.Day, err = strAttr(item, "bucketDay"); err != nil {
		return rec, err
	}
	if rec.StepNumber, err = intAttr(item, "stepNumber"); err != nil {
		return rec, err
	}
	// Counters are created lazily by ADD, so a missing one is zero.
	if _, ok := item["triggerCount"]; ok {
		n, err := intAttr(item, "triggerCount")
		if err != nil {
			return rec, err
		}
		rec.TriggerCount = int64(n)
	}
	if _, ok := item["adminReplyCount"]; ok {
		n, err := intAttr(item, "adminReplyCount")
		if err != nil {
			return rec, err
		}
		rec.AdminReplyCount = int64(n)
	}
	if t, _ := timeAttr(item, "createdAt"); t != nil {
		rec.CreatedAt = *t
	}
	if t, _ := timeAttr(item, "updatedAt"); t != nil {
		rec.UpdatedAt = *t
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamostore: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamostore: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("dynamostore: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("dynamostore: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("dynamostore: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	raw, err := strAttr(item, key)
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: parse attribute %q: %w", key, err)
	}
	return &t, nil
}
