package test

import (
	"bytes"
	"context"
	"io"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/blobstore"
)

// SuiteBase defines a re-usable set of blob store related tests that can be
// executed against any type that implements blobstore.Store.
type SuiteBase struct {
	s blobstore.Store
}

func (s *SuiteBase) SetBlobStore(store blobstore.Store) {
	s.s = store
}

func (s *SuiteBase) TestPutAndOpen(c *gc.C) {
	data := []byte("\xff\xd8\xff\xe0 not really a jpeg")

	ref, err := s.s.Put(context.TODO(), data, "image/jpeg")
	c.Assert(err, gc.IsNil)
	c.Assert(ref, gc.Not(gc.Equals), "")

	r, err := s.s.Open(context.TODO(), ref)
	c.Assert(err, gc.IsNil)
	got, err := io.ReadAll(r)
	c.Assert(err, gc.IsNil)
	c.Assert(r.Close(), gc.IsNil)
	c.Assert(got, gc.DeepEquals, data)

	// Opening the same blob twice yields the same bytes.
	got, err = blobstore.ReadAll(context.TODO(), s.s, ref)
	c.Assert(err, gc.IsNil)
	c.Assert(got, gc.DeepEquals, data)
}

func (s *SuiteBase) TestPutCopiesData(c *gc.C) {
	data := []byte("original")
	ref, err := s.s.Put(context.TODO(), data, "application/octet-stream")
	c.Assert(err, gc.IsNil)

	copy(data, "mutated!")
	got, err := blobstore.ReadAll(context.TODO(), s.s, ref)
	c.Assert(err, gc.IsNil)
	c.Assert(string(got), gc.Equals, "original")
}

func (s *SuiteBase) TestRefsAreUnique(c *gc.C) {
	data := []byte("same content")
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		ref, err := s.s.Put(context.TODO(), data, "application/octet-stream")
		c.Assert(err, gc.IsNil)
		c.Assert(seen[ref], gc.Equals, false, gc.Commentf("ref %s reused", ref))
		seen[ref] = true
	}
}

func (s *SuiteBase) TestSize(c *gc.C) {
	data := bytes.Repeat([]byte{0x42}, 4096)
	ref, err := s.s.Put(context.TODO(), data, "application/octet-stream")
	c.Assert(err, gc.IsNil)

	size, err := s.s.Size(context.TODO(), ref)
	c.Assert(err, gc.IsNil)
	c.Assert(size, gc.Equals, int64(len(data)))
}

func (s *SuiteBase) TestUnknownRef(c *gc.C) {
	ref := uuid.New().String()

	_, err := s.s.Open(context.TODO(), ref)
	c.Assert(xerrors.Is(err, blobstore.ErrNotFound), gc.Equals, true, gc.Commentf("got %v", err))

	_, err = s.s.Size(context.TODO(), ref)
	c.Assert(xerrors.Is(err, blobstore.ErrNotFound), gc.Equals, true, gc.Commentf("got %v", err))
}
