package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/jobstore/test"
)

var _ = gc.Suite(new(RedisJobStoreTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type RedisJobStoreTestSuite struct {
	test.SuiteBase
	client *goredis.Client
	store  *RedisJobStore
	prefix string
}

func (s *RedisJobStoreTestSuite) SetUpSuite(c *gc.C) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		c.Skip("Missing REDIS_ADDR envvar; skipping redis-backed jobstore test suite")
	}

	s.client = goredis.NewClient(&goredis.Options{Addr: addr})
	c.Assert(s.client.Ping(context.TODO()).Err(), gc.IsNil)

	// Keep test keys apart from anything else stored on the server.
	s.prefix = "imgqueue-test-" + uuid.New().String() + ":"
	s.store = NewRedisJobStoreWithClient(s.client, s.prefix)
	s.SetJobStore(s.store)
}

func (s *RedisJobStoreTestSuite) SetUpTest(c *gc.C) {
	s.flushKeys(c)
}

func (s *RedisJobStoreTestSuite) TearDownSuite(c *gc.C) {
	if s.client != nil {
		s.flushKeys(c)
		c.Assert(s.client.Close(), gc.IsNil)
	}
}

func (s *RedisJobStoreTestSuite) TestPing(c *gc.C) {
	c.Assert(s.store.Ping(context.TODO()), gc.IsNil)
}

func (s *RedisJobStoreTestSuite) flushKeys(c *gc.C) {
	ctx := context.TODO()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		c.Assert(s.client.Del(ctx, iter.Val()).Err(), gc.IsNil)
	}
	c.Assert(iter.Err(), gc.IsNil)
}
