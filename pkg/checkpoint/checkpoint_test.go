package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *agent.ConversationState {
	s := agent.NewConversationState()
	s.BeginTurn("10만원 이하 게이밍 키보드")
	s.Apply(agent.StateUpdate{AppendMessages: []agent.Message{{Role: agent.RoleAssistant, Content: "추천 목록"}}})
	s.SourcesUsed = []agent.Source{{Title: "danawa", URL: "https://danawa.com/k8", BranchID: 1}}
	return s
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	got, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := sampleState()
	require.NoError(t, store.Save(ctx, "thread-1", want))

	got, err = store.Load(ctx, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Messages, got.Messages)
	assert.Equal(t, want.SourcesUsed, got.SourcesUsed)

	got.BeginTurn("다음 질문")
	require.NoError(t, store.Save(ctx, "thread-1", got))

	again, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Len(t, again.Messages, 3)
	assert.Empty(t, again.SourcesUsed)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := sampleState()
	require.NoError(t, store.Save(ctx, "t", s))

	s.Messages[0].Content = "mutated"
	got, err := store.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "10만원 이하 게이밍 키보드", got.Messages[0].Content)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedisStoreWithClient(client, time.Hour))
}

func TestRedisStoreExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStoreWithClient(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "t", sampleState()))
	mr.FastForward(2 * time.Minute)

	got, err := store.Load(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreCorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, mr.Set(redisKeyPrefix+"t", "{not json"))

	_, err := NewRedisStoreWithClient(client, time.Minute).Load(context.Background(), "t")
	assert.Error(t, err)
}

func TestValidateBackend(t *testing.T) {
	assert.NoError(t, ValidateBackend(BackendRedis))
	assert.Error(t, ValidateBackend("sqlite"))
}
