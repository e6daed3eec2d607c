package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"didi-voice/internal/domain"
)

const (
	skMeta          = "META#"
	skPrefixTurn    = "TURN#"
	defaultTTL      = 7 * 24 * time.Hour
	maxTransactSize = 100
)

// dynamodbAPI is the subset of *dynamodb.Client used by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps sessions in a single table. Each session is one
// partition: a META# item with the counters and one TURN#nnnnnn item per
// turn, all expiring together through the ttl attribute.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type DynamoOption func(*DynamoStore)

// WithItemTTL sets how long a session lives after its last save.
func WithItemTTL(d time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func NewDynamoStore(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{api: api, tableName: tableName, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK zero-pads the index so turns sort in conversation order.
func turnSK(index int) string {
	return fmt.Sprintf("%s%06d", skPrefixTurn, index)
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Load reads the whole session partition.
func (s *DynamoStore) Load(ctx context.Context, sessionID string) (domain.SessionState, error) {
	items, err := s.queryPartition(ctx, sessionID, false)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load: %w", err)
	}

	var (
		state   domain.SessionState
		hasMeta bool
		turns   = make(map[int]domain.Turn)
	)
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return domain.SessionState{}, fmt.Errorf("repository: Load: %w", err)
		}
		switch {
		case sk == skMeta:
			state, err = itemToState(item)
			if err != nil {
				return domain.SessionState{}, fmt.Errorf("repository: Load meta: %w", err)
			}
			hasMeta = true
		case strings.HasPrefix(sk, skPrefixTurn):
			idx, err := strconv.Atoi(strings.TrimPrefix(sk, skPrefixTurn))
			if err != nil {
				return domain.SessionState{}, fmt.Errorf("repository: Load: bad turn key %q", sk)
			}
			turn, err := itemToTurn(item)
			if err != nil {
				return domain.SessionState{}, fmt.Errorf("repository: Load turn %d: %w", idx, err)
			}
			turns[idx] = turn
		}
	}
	if !hasMeta {
		return domain.SessionState{}, domain.ErrSessionNotFound
	}

	count, err := intAttr(metaOf(items), "turnCount")
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load decode turnCount: %w", err)
	}
	state.ID = sessionID
	state.Turns = make([]domain.Turn, 0, count)
	for i := 0; i < count; i++ {
		t, ok := turns[i]
		if !ok {
			return domain.SessionState{}, fmt.Errorf("repository: Load: turn %d missing", i)
		}
		state.Turns = append(state.Turns, t)
	}
	return state, nil
}

// Save appends the turns the table does not have yet and rewrites META#.
// Turn puts are conditional, so two writers racing on the same session
// cannot both succeed.
func (s *DynamoStore) Save(ctx context.Context, state domain.SessionState) error {
	if strings.TrimSpace(state.ID) == "" {
		return errors.New("repository: Save: session id is required")
	}
	pk := sessionPK(state.ID)

	stored, err := s.storedTurnCount(ctx, pk)
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	if stored > len(state.Turns) {
		return fmt.Errorf("repository: Save: stored history has %d turns, snapshot has %d", stored, len(state.Turns))
	}

	expires := s.now().Add(s.ttl).Unix()
	var writes []types.TransactWriteItem
	for i := stored; i < len(state.Turns); i++ {
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                turnItem(pk, i, state.Turns[i], expires),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	meta := types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      stateItem(pk, state, expires),
		},
	}

	for len(writes) >= maxTransactSize {
		if err := s.transact(ctx, writes[:maxTransactSize-1]); err != nil {
			return fmt.Errorf("repository: Save: %w", err)
		}
		writes = writes[maxTransactSize-1:]
	}
	if err := s.transact(ctx, append(writes, meta)); err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Delete removes every item of the session. Unknown ids are a no-op.
func (s *DynamoStore) Delete(ctx context.Context, sessionID string) error {
	items, err := s.queryPartition(ctx, sessionID, true)
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	pk := sessionPK(sessionID)
	var deletes []types.TransactWriteItem
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return fmt.Errorf("repository: Delete: %w", err)
		}
		deletes = append(deletes, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(s.tableName), Key: s.key(pk, sk)},
		})
	}
	for len(deletes) > 0 {
		n := min(len(deletes), maxTransactSize)
		if err := s.transact(ctx, deletes[:n]); err != nil {
			return fmt.Errorf("repository: Delete: %w", err)
		}
		deletes = deletes[n:]
	}
	return nil
}

func (s *DynamoStore) storedTurnCount(ctx context.Context, pk string) (int, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  s.key(pk, skMeta),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("turnCount"),
	})
	if err != nil {
		return 0, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	n, err := intAttr(out.Item, "turnCount")
	if err != nil {
		return 0, fmt.Errorf("decode turnCount: %w", err)
	}
	return n, nil
}

func (s *DynamoStore) queryPartition(ctx context.Context, sessionID string, keysOnly bool) ([]map[string]types.AttributeValue, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		},
		ConsistentRead: aws.Bool(true),
	}
	if keysOnly {
		in.ProjectionExpression = aws.String("PK, SK")
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return err
}

func metaOf(items []map[string]types.AttributeValue) map[string]types.AttributeValue {
	for _, item := range items {
		if sk, _ := strAttr(item, "SK"); sk == skMeta {
			return item
		}
	}
	return nil
}

func stateItem(pk string, st domain.SessionState, expires int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: pk},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: st.ID},
		"topic":        &types.AttributeValueMemberS{Value: string(st.Topic)},
		"turnCount":    &types.AttributeValueMemberN{Value: strconv.Itoa(len(st.Turns))},
		"apiCallCount": &types.AttributeValueMemberN{Value: strconv.Itoa(st.APICallCount)},
		"lastApiCall":  &types.AttributeValueMemberS{Value: formatTime(st.LastAPICall)},
		"profileName":  &types.AttributeValueMemberS{Value: st.Profile.Name},
		"profileLang":  &types.AttributeValueMemberS{Value: st.Profile.Language},
		"createdAt":    &types.AttributeValueMemberS{Value: formatTime(st.CreatedAt)},
		"updatedAt":    &types.AttributeValueMemberS{Value: formatTime(st.UpdatedAt)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
	}
}

func turnItem(pk string, index int, t domain.Turn, expires int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: turnSK(index)},
		"role":       &types.AttributeValueMemberS{Value: string(t.Role)},
		"content":    &types.AttributeValueMemberS{Value: t.Content},
		"timestamp":  &types.AttributeValueMemberS{Value: formatTime(t.Timestamp)},
		"isRealAI":   &types.AttributeValueMemberBOOL{Value: t.IsRealAI},
		"isFallback": &types.AttributeValueMemberBOOL{Value: t.IsFallback},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
	}
}

func itemToState(item map[string]types.AttributeValue) (domain.SessionState, error) {
	topic, err := strAttr(item, "topic")
	if err != nil {
		return domain.SessionState{}, err
	}
	calls, err := intAttr(item, "apiCallCount")
	if err != nil {
		return domain.SessionState{}, err
	}
	lastCall, err := timeAttr(item, "lastApiCall")
	if err != nil {
		return domain.SessionState{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.SessionState{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.SessionState{}, err
	}
	name, _ := strAttr(item, "profileName") // optional
	lang, _ := strAttr(item, "profileLang") // optional

	return domain.SessionState{
		Topic:        domain.Topic(topic),
		APICallCount: calls,
		LastAPICall:  lastCall,
		Profile:      domain.UserProfile{Name: name, Language: lang},
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		Role:       domain.Role(role),
		Content:    content,
		Timestamp:  ts,
		IsRealAI:   boolAttr(item, "isRealAI"),
		IsFallback: boolAttr(item, "isFallback"),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	v, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}
