package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"didi-voice/internal/domain"
)

// fakeDynamo is an in-memory single table keyed by PK and SK.
type fakeDynamo struct {
	items     map[string]map[string]types.AttributeValue
	pageSize  int
	getErr    error
	queryErr  error
	txErr     error
	txInputs  []*dynamodb.TransactWriteItemsInput
	lastQuery *dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQuery = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, pk+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := itemKey(in.ExclusiveStartKey)
		for start < len(keys) && keys[start] <= after {
			start++
		}
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	out := &dynamodb.QueryOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, f.items[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = f.items[keys[end-1]]
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txInputs = append(f.txInputs, in)
	if f.txErr != nil {
		return nil, f.txErr
	}
	if len(in.TransactItems) > maxTransactSize {
		return nil, fmt.Errorf("too many items: %d", len(in.TransactItems))
	}
	for _, w := range in.TransactItems {
		if w.Put != nil && w.Put.ConditionExpression != nil {
			if _, exists := f.items[itemKey(w.Put.Item)]; exists {
				return nil, errors.New("TransactionCanceledException: ConditionalCheckFailed")
			}
		}
	}
	for _, w := range in.TransactItems {
		switch {
		case w.Put != nil:
			f.items[itemKey(w.Put.Item)] = w.Put.Item
		case w.Delete != nil:
			delete(f.items, itemKey(w.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func mustNewStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "sessions")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC) }
	return s
}

func sampleState(id string, turns int) domain.SessionState {
	base := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)
	st := domain.SessionState{
		ID:           id,
		Topic:        domain.TopicPregnancyCare,
		APICallCount: 3,
		LastAPICall:  base.Add(time.Minute),
		Profile:      domain.UserProfile{Name: "Meena", Language: "hi"},
		CreatedAt:    base,
		UpdatedAt:    base.Add(2 * time.Minute),
		Turns:        []domain.Turn{{Role: domain.RoleSystem, Content: "system", Timestamp: base}},
	}
	for i := 1; i < turns; i++ {
		turn := domain.Turn{Content: fmt.Sprintf("turn-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)}
		if i%2 == 1 {
			turn.Role = domain.RoleUser
		} else {
			turn.Role = domain.RoleAssistant
			turn.IsRealAI = i%4 == 2
			turn.IsFallback = i%4 == 0
		}
		st.Turns = append(st.Turns, turn)
	}
	return st
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "sessions")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")

	_, err = NewDynamoStore(newFakeDynamo(), " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestDynamoStore_SaveLoadRoundTrip(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)
	want := sampleState("abc", 5)

	require.NoError(t, s.Save(context.Background(), want))
	got, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.Equal(t, "PK = :pk", *db.lastQuery.KeyConditionExpression)
	require.True(t, *db.lastQuery.ConsistentRead)
}

func TestDynamoStore_SaveWritesOnlyNewTurns(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)

	st := sampleState("abc", 1)
	require.NoError(t, s.Save(context.Background(), st))
	require.Len(t, db.txInputs[0].TransactItems, 2)

	st = sampleState("abc", 3)
	require.NoError(t, s.Save(context.Background(), st))
	last := db.txInputs[len(db.txInputs)-1]
	require.Len(t, last.TransactItems, 3)
	require.Equal(t, turnSK(1), last.TransactItems[0].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *last.TransactItems[0].Put.ConditionExpression)
	require.Nil(t, last.TransactItems[2].Put.ConditionExpression)
}

func TestDynamoStore_SaveSetsTTL(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 1)))

	meta := db.items[sessionPK("abc")+"|"+skMeta]
	want := s.now().Add(defaultTTL).Unix()
	require.Equal(t, fmt.Sprintf("%d", want), meta["ttl"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoStore_SaveRejectsShrunkHistory(t *testing.T) {
	s := mustNewStore(t, newFakeDynamo())
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 5)))

	err := s.Save(context.Background(), sampleState("abc", 3))
	require.Error(t, err)
	require.Contains(t, err.Error(), "stored history has 5 turns")
}

func TestDynamoStore_SaveChunksLongHistories(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)

	require.NoError(t, s.Save(context.Background(), sampleState("long", 250)))
	require.Len(t, db.txInputs, 3)

	got, err := s.Load(context.Background(), "long")
	require.NoError(t, err)
	require.Len(t, got.Turns, 250)
	require.Equal(t, "turn-249", got.Turns[249].Content)
}

func TestDynamoStore_LoadPaginates(t *testing.T) {
	db := newFakeDynamo()
	db.pageSize = 2
	s := mustNewStore(t, db)
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 7)))

	got, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, got.Turns, 7)
}

func TestDynamoStore_LoadNotFound(t *testing.T) {
	s := mustNewStore(t, newFakeDynamo())
	_, err := s.Load(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDynamoStore_LoadMissingTurn(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 3)))
	delete(db.items, sessionPK("abc")+"|"+turnSK(1))

	_, err := s.Load(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "turn 1 missing")
}

func TestDynamoStore_LoadMalformedMeta(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 1)))
	db.items[sessionPK("abc")+"|"+skMeta]["apiCallCount"] = &types.AttributeValueMemberS{Value: "bad"}

	_, err := s.Load(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "apiCallCount")
}

func TestDynamoStore_Delete(t *testing.T) {
	db := newFakeDynamo()
	s := mustNewStore(t, db)
	require.NoError(t, s.Save(context.Background(), sampleState("abc", 5)))
	require.NoError(t, s.Save(context.Background(), sampleState("other", 1)))

	require.NoError(t, s.Delete(context.Background(), "abc"))
	require.Equal(t, "PK, SK", *db.lastQuery.ProjectionExpression)
	require.Len(t, db.items, 2)
	_, err := s.Load(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, s.Delete(context.Background(), "abc"))
}

func TestDynamoStore_Errors(t *testing.T) {
	tests := []struct {
		name string
		prep func(*fakeDynamo)
		run  func(*DynamoStore) error
		want string
	}{
		{
			name: "save get meta fails",
			prep: func(f *fakeDynamo) { f.getErr = errors.New("boom") },
			run:  func(s *DynamoStore) error { return s.Save(context.Background(), sampleState("abc", 1)) },
			want: "Save: get meta",
		},
		{
			name: "save transaction fails",
			prep: func(f *fakeDynamo) { f.txErr = errors.New("transaction canceled") },
			run:  func(s *DynamoStore) error { return s.Save(context.Background(), sampleState("abc", 1)) },
			want: "Save",
		},
		{
			name: "save without id",
			prep: func(*fakeDynamo) {},
			run:  func(s *DynamoStore) error { return s.Save(context.Background(), domain.SessionState{}) },
			want: "session id is required",
		},
		{
			name: "load query fails",
			prep: func(f *fakeDynamo) { f.queryErr = errors.New("ResourceNotFoundException") },
			run: func(s *DynamoStore) error {
				_, err := s.Load(context.Background(), "abc")
				return err
			},
			want: "Load: query",
		},
		{
			name: "delete query fails",
			prep: func(f *fakeDynamo) { f.queryErr = errors.New("throttled") },
			run:  func(s *DynamoStore) error { return s.Delete(context.Background(), "abc") },
			want: "Delete: query",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakeDynamo()
			tt.prep(db)
			err := tt.run(mustNewStore(t, db))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTurnSK_SortsNumerically(t *testing.T) {
	require.Equal(t, "TURN#000007", turnSK(7))
	require.Less(t, turnSK(9), turnSK(10))
	require.Equal(t, "SESSION#my-id", sessionPK("my-id"))
}
