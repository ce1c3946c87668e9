package transform

import (
	"bytes"
	"image"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/jobstore"
)

// OutputContentType is the content type of every image produced by Apply.
const OutputContentType = "image/jpeg"

var supportedMIMETypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
}

// Sniff inspects the magic bytes of data and returns its detected MIME type
// along with a flag indicating whether it is an image format the engine can
// decode.
func Sniff(data []byte) (string, bool) {
	mtype := mimetype.Detect(data)
	for _, supported := range supportedMIMETypes {
		if mtype.Is(supported) {
			return supported, true
		}
	}
	return mtype.String(), false
}

// Config encapsulates the settings for the transform engine.
type Config struct {
	// JPEG quality of the produced images (1-100). Defaults to 85.
	Quality int

	// The largest width or height an operation may produce. Defaults to
	// 10000 pixels.
	MaxDimension int

	// The largest number of pixels a source image may have. Images above
	// the limit are rejected before they are decoded. Defaults to
	// 89478485 pixels.
	MaxPixels int64
}

func (cfg *Config) validate() error {
	var err error
	if cfg.Quality == 0 {
		cfg.Quality = 85
	} else if cfg.Quality < 1 || cfg.Quality > 100 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for JPEG quality"))
	}
	if cfg.MaxDimension == 0 {
		cfg.MaxDimension = 10000
	} else if cfg.MaxDimension < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for max dimension"))
	}
	if cfg.MaxPixels == 0 {
		cfg.MaxPixels = 89478485
	} else if cfg.MaxPixels < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for max pixels"))
	}
	return err
}

// Engine applies image operations. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine returns a transform engine with the specified config.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("transform engine: config validation failed: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Operations returns the names of the supported operations in sorted order.
func Operations() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a human readable description of the named operation.
func Describe(name string) (string, bool) {
	op, ok := operations[name]
	if !ok {
		return "", false
	}
	return op.description, true
}

// Apply decodes src, runs op on it and returns the result encoded as JPEG.
// Any returned error wraps one of ErrUnsupportedOperation, ErrDecode,
// ErrImageTooLarge or ErrInvalidParameter, or reports an encoding failure.
func (e *Engine) Apply(src []byte, op jobstore.Operation) ([]byte, error) {
	impl, ok := operations[op.Name]
	if !ok {
		return nil, xerrors.Errorf("operation %q: %w", op.Name, ErrUnsupportedOperation)
	}

	params := paramReader{params: op.Params, maxDim: e.cfg.MaxDimension}
	fn, err := impl.prepare(&params)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", op.Name, err)
	}

	// Only the header is read here; the pixel buffer is allocated by Decode.
	hdr, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrDecode)
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > e.cfg.MaxPixels {
		return nil, xerrors.Errorf("source is %dx%d, more than %d pixels: %w", hdr.Width, hdr.Height, e.cfg.MaxPixels, ErrImageTooLarge)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrDecode)
	}

	var out bytes.Buffer
	if err = imaging.Encode(&out, fn(img), imaging.JPEG, imaging.JPEGQuality(e.cfg.Quality)); err != nil {
		return nil, xerrors.Errorf("encode result: %w", err)
	}
	return out.Bytes(), nil
}

// imageFn is a fully parameterized image operation.
type imageFn func(image.Image) image.Image
