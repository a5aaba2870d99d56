package tract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RedisCacheSuite struct {
	suite.Suite
	mock  redismock.ClientMock
	cache *RedisCache
}

func (s *RedisCacheSuite) SetupTest() {
	db, mock := redismock.NewClientMock()
	s.mock = mock
	s.cache = NewRedisCache(db, "tm:", time.Minute)
}

func (s *RedisCacheSuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
}

func TestRedisCacheSuite(t *testing.T) {
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) TestGetHit() {
	s.mock.ExpectGet("tm:k").SetVal(`{"type":"FeatureCollection"}`)

	val, ok, err := s.cache.Get(context.Background(), "k")
	s.NoError(err)
	s.True(ok)
	s.Equal(`{"type":"FeatureCollection"}`, string(val))
}

func (s *RedisCacheSuite) TestGetMiss() {
	s.mock.ExpectGet("tm:k").RedisNil()

	val, ok, err := s.cache.Get(context.Background(), "k")
	s.NoError(err)
	s.False(ok)
	s.Nil(val)
}

func (s *RedisCacheSuite) TestGetError() {
	s.mock.ExpectGet("tm:k").SetErr(errors.New("connection refused"))

	_, ok, err := s.cache.Get(context.Background(), "k")
	s.Error(err)
	s.False(ok)
}

func (s *RedisCacheSuite) TestSet() {
	payload := []byte(`{"type":"FeatureCollection","features":[]}`)
	s.mock.ExpectSet("tm:k", payload, time.Minute).SetVal("OK")

	s.NoError(s.cache.Set(context.Background(), "k", payload))
}

func (s *RedisCacheSuite) TestSetError() {
	payload := []byte("x")
	s.mock.ExpectSet("tm:k", payload, time.Minute).SetErr(errors.New("OOM"))

	s.Error(s.cache.Set(context.Background(), "k", payload))
}

func TestNewRedisCacheDefaultTTL(t *testing.T) {
	db, _ := redismock.NewClientMock()
	assert.Equal(t, DefaultCacheTTL, NewRedisCache(db, "", 0).ttl)
}

func TestOpenRedisEmptyAddr(t *testing.T) {
	assert.Nil(t, OpenRedis("", "", 0))
}

func TestMemoryCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, ok)

	buf := []byte("holdings")
	assert.NoError(t, c.Set(ctx, "a", buf))
	buf[0] = 'X'

	val, ok, _ := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "holdings", string(val), "cache keeps its own copy")

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok, "entry expired")
	assert.Empty(t, c.entries)
}

func TestMemoryCacheEvictsOnSet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "old", []byte("1"))
	now = now.Add(5 * time.Minute)
	_ = c.Set(ctx, "new", []byte("2"))

	assert.Len(t, c.entries, 1)
	assert.Contains(t, c.entries, "new")
}

func TestCacheKey(t *testing.T) {
	b := BBox{MinLon: -94, MinLat: 41, MaxLon: -93, MaxLat: 42}

	assert.Equal(t, "-94,41,-93,42|SMITH FARMS|1", CacheKey(b, " smith farms ", 1))
	assert.Equal(t, CacheKey(b, "Smith Farms", 1), CacheKey(b, "SMITH FARMS", 1))
	assert.Equal(t, "0,0,0,0||2.5", CacheKey(BBox{}, "", 2.5))
	assert.NotEqual(t, CacheKey(b, "", 1), CacheKey(b, "", 2))
}
