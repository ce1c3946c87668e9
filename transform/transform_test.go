package transform

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/jobstore"
)

var _ = gc.Suite(new(EngineTestSuite))

func Test(t *testing.T) { gc.TestingT(t) }

type EngineTestSuite struct {
	e *Engine
}

func (s *EngineTestSuite) SetUpTest(c *gc.C) {
	var err error
	s.e, err = NewEngine(Config{})
	c.Assert(err, gc.IsNil)
}

func (s *EngineTestSuite) TestConfigValidation(c *gc.C) {
	cfg := Config{}
	c.Assert(cfg.validate(), gc.IsNil)
	c.Assert(cfg.Quality, gc.Equals, 85)
	c.Assert(cfg.MaxDimension, gc.Equals, 10000)
	c.Assert(cfg.MaxPixels, gc.Equals, int64(89478485))

	cfg = Config{Quality: 101, MaxDimension: -1, MaxPixels: -1}
	c.Assert(cfg.validate(), gc.ErrorMatches, "(?ms).*invalid value for JPEG quality.*invalid value for max dimension.*invalid value for max pixels.*")
}

func (s *EngineTestSuite) TestResize(c *gc.C) {
	src := encodeTestImage(c, 3000, 2000, imaging.JPEG)

	out, err := s.e.Apply(src, jobstore.Operation{
		Name:   "resize",
		Params: map[string]string{"width": "800", "height": "600"},
	})
	c.Assert(err, gc.IsNil)

	img := decode(c, out)
	c.Assert(img.Bounds().Dx(), gc.Equals, 800)
	c.Assert(img.Bounds().Dy(), gc.Equals, 600)
}

func (s *EngineTestSuite) TestResizeDefaults(c *gc.C) {
	src := encodeTestImage(c, 100, 100, imaging.PNG)

	out, err := s.e.Apply(src, jobstore.Operation{Name: "resize"})
	c.Assert(err, gc.IsNil)

	img := decode(c, out)
	c.Assert(img.Bounds().Dx(), gc.Equals, 800)
	c.Assert(img.Bounds().Dy(), gc.Equals, 600)
}

func (s *EngineTestSuite) TestThumbnailKeepsAspectRatio(c *gc.C) {
	src := encodeTestImage(c, 400, 200, imaging.PNG)

	out, err := s.e.Apply(src, jobstore.Operation{
		Name:   "thumbnail",
		Params: map[string]string{"width": "100", "height": "100"},
	})
	c.Assert(err, gc.IsNil)

	img := decode(c, out)
	c.Assert(img.Bounds().Dx(), gc.Equals, 100)
	c.Assert(img.Bounds().Dy(), gc.Equals, 50)
}

func (s *EngineTestSuite) TestAllOperationsProduceJPEG(c *gc.C) {
	src := encodeTestImage(c, 64, 48, imaging.PNG)

	for _, name := range Operations() {
		out, err := s.e.Apply(src, jobstore.Operation{Name: name})
		c.Assert(err, gc.IsNil, gc.Commentf("operation %s", name))

		mtype, ok := Sniff(out)
		c.Assert(ok, gc.Equals, true, gc.Commentf("operation %s", name))
		c.Assert(mtype, gc.Equals, OutputContentType, gc.Commentf("operation %s", name))
	}
}

func (s *EngineTestSuite) TestGrayscale(c *gc.C) {
	src := encodeTestImage(c, 16, 16, imaging.PNG)

	out, err := s.e.Apply(src, jobstore.Operation{Name: "grayscale"})
	c.Assert(err, gc.IsNil)

	img := decode(c, out)
	r, g, b, _ := img.At(8, 8).RGBA()
	// JPEG chroma subsampling may introduce tiny differences.
	c.Assert(absDiff(r, g) < 0x0400 && absDiff(g, b) < 0x0400, gc.Equals, true, gc.Commentf("pixel (%d, %d, %d) is not gray", r, g, b))
}

func (s *EngineTestSuite) TestUnsupportedOperation(c *gc.C) {
	src := encodeTestImage(c, 16, 16, imaging.PNG)

	_, err := s.e.Apply(src, jobstore.Operation{Name: "unknown_op"})
	c.Assert(xerrors.Is(err, ErrUnsupportedOperation), gc.Equals, true)
	c.Assert(err, gc.ErrorMatches, `operation "unknown_op": unsupported operation`)
}

func (s *EngineTestSuite) TestDecodeFailure(c *gc.C) {
	// Valid PNG magic bytes followed by garbage.
	src := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x01}, 64)...)

	_, err := s.e.Apply(src, jobstore.Operation{Name: "grayscale"})
	c.Assert(xerrors.Is(err, ErrDecode), gc.Equals, true, gc.Commentf("got %v", err))
}

func (s *EngineTestSuite) TestOversizedSourceIsRejected(c *gc.C) {
	e, err := NewEngine(Config{MaxPixels: 10000})
	c.Assert(err, gc.IsNil)

	_, err = e.Apply(encodeTestImage(c, 12000, 1, imaging.PNG), jobstore.Operation{Name: "grayscale"})
	c.Assert(xerrors.Is(err, ErrImageTooLarge), gc.Equals, true, gc.Commentf("got %v", err))
	c.Assert(err, gc.ErrorMatches, "source is 12000x1, more than 10000 pixels: image too large")

	out, err := e.Apply(encodeTestImage(c, 100, 100, imaging.PNG), jobstore.Operation{Name: "grayscale"})
	c.Assert(err, gc.IsNil)
	c.Assert(decode(c, out).Bounds().Dx(), gc.Equals, 100)
}

func (s *EngineTestSuite) TestHugeDeclaredDimensionsAreRejected(c *gc.C) {
	// A tiny PNG whose header claims 50000x50000 pixels.
	src := withPNGDimensions(encodeTestImage(c, 4, 4, imaging.PNG), 50000, 50000)
	c.Assert(len(src) < 1024, gc.Equals, true)

	_, err := s.e.Apply(src, jobstore.Operation{Name: "grayscale"})
	c.Assert(xerrors.Is(err, ErrImageTooLarge), gc.Equals, true, gc.Commentf("got %v", err))
}

func (s *EngineTestSuite) TestInvalidParameters(c *gc.C) {
	src := encodeTestImage(c, 16, 16, imaging.PNG)

	cases := []jobstore.Operation{
		{Name: "resize", Params: map[string]string{"width": "abc"}},
		{Name: "resize", Params: map[string]string{"width": "0"}},
		{Name: "resize", Params: map[string]string{"height": "20000"}},
		{Name: "thumbnail", Params: map[string]string{"width": "-5"}},
		{Name: "blur", Params: map[string]string{"intensity": "lots"}},
		{Name: "blur", Params: map[string]string{"intensity": "NaN"}},
		{Name: "brightness", Params: map[string]string{"intensity": "3"}},
		{Name: "contrast", Params: map[string]string{"intensity": "-1"}},
	}
	for i, op := range cases {
		_, err := s.e.Apply(src, op)
		c.Assert(xerrors.Is(err, ErrInvalidParameter), gc.Equals, true, gc.Commentf("case %d: got %v", i, err))
	}
}

func (s *EngineTestSuite) TestUnknownParametersAreIgnored(c *gc.C) {
	src := encodeTestImage(c, 16, 16, imaging.PNG)

	_, err := s.e.Apply(src, jobstore.Operation{
		Name:   "grayscale",
		Params: map[string]string{"width": "not-used"},
	})
	c.Assert(err, gc.IsNil)
}

func (s *EngineTestSuite) TestSniff(c *gc.C) {
	cases := []struct {
		data []byte
		exp  string
		ok   bool
	}{
		{encodeTestImage(c, 4, 4, imaging.JPEG), "image/jpeg", true},
		{encodeTestImage(c, 4, 4, imaging.PNG), "image/png", true},
		{encodeTestImage(c, 4, 4, imaging.GIF), "image/gif", true},
		{encodeTestImage(c, 4, 4, imaging.BMP), "image/bmp", true},
		{encodeTestImage(c, 4, 4, imaging.TIFF), "image/tiff", true},
		{[]byte("just some plain text"), "text/plain; charset=utf-8", false},
	}
	for i, tc := range cases {
		mtype, ok := Sniff(tc.data)
		c.Assert(ok, gc.Equals, tc.ok, gc.Commentf("case %d", i))
		c.Assert(mtype, gc.Equals, tc.exp, gc.Commentf("case %d", i))
	}
}

func (s *EngineTestSuite) TestDescribe(c *gc.C) {
	for _, name := range Operations() {
		desc, ok := Describe(name)
		c.Assert(ok, gc.Equals, true)
		c.Assert(desc, gc.Not(gc.Equals), "")
	}
	_, ok := Describe("unknown_op")
	c.Assert(ok, gc.Equals, false)
}

func encodeTestImage(c *gc.C, w, h int, format imaging.Format) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	c.Assert(imaging.Encode(&buf, img, format), gc.IsNil)
	return buf.Bytes()
}

// withPNGDimensions rewrites the IHDR chunk of a PNG to declare w x h pixels.
func withPNGDimensions(src []byte, w, h uint32) []byte {
	out := append([]byte(nil), src...)
	// 8 byte signature, 4 byte length, then "IHDR" and its data.
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func decode(c *gc.C, data []byte) image.Image {
	img, err := imaging.Decode(bytes.NewReader(data))
	c.Assert(err, gc.IsNil)
	return img
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
