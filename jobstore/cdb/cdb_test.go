package cdb

import (
	"context"
	"database/sql"
	"os"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/jobstore/test"
)

var _ = gc.Suite(new(CDBJobStoreTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type CDBJobStoreTestSuite struct {
	test.SuiteBase
	store *CDBJobStore
	db    *sql.DB
}

func (s *CDBJobStoreTestSuite) SetUpSuite(c *gc.C) {
	dsn := os.Getenv("CDB_DSN")
	if dsn == "" {
		c.Skip("Missing CDB_DSN envvar; skipping cockroachdb-backed jobstore test suite")
	}

	store, err := NewCDBJobStore(dsn)
	c.Assert(err, gc.IsNil)
	s.SetJobStore(store)
	s.store = store
	s.db = store.db
}

func (s *CDBJobStoreTestSuite) SetUpTest(c *gc.C) {
	s.flushDB(c)
}

func (s *CDBJobStoreTestSuite) TearDownSuite(c *gc.C) {
	if s.db != nil {
		s.flushDB(c)
		c.Assert(s.db.Close(), gc.IsNil)
	}
}

func (s *CDBJobStoreTestSuite) TestMigrateIsIdempotent(c *gc.C) {
	c.Assert(Migrate(os.Getenv("CDB_DSN")), gc.IsNil)
}

func (s *CDBJobStoreTestSuite) TestPing(c *gc.C) {
	c.Assert(s.store.Ping(context.TODO()), gc.IsNil)
}

func (s *CDBJobStoreTestSuite) flushDB(c *gc.C) {
	_, err := s.db.Exec("DELETE FROM jobs")
	c.Assert(err, gc.IsNil)
}
