package memory

import (
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/blobstore/test"
)

var _ = gc.Suite(new(InMemoryBlobStoreTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type InMemoryBlobStoreTestSuite struct {
	test.SuiteBase
}

func (s *InMemoryBlobStoreTestSuite) SetUpTest(c *gc.C) {
	s.SetBlobStore(NewInMemoryBlobStore())
}
