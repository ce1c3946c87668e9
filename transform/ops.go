package transform

import (
	"image"
	"math"
	"strconv"

	"github.com/disintegration/imaging"
	"golang.org/x/xerrors"
)

type operation struct {
	description string
	prepare     func(p *paramReader) (imageFn, error)
}

var operations = map[string]operation{
	"resize": {
		description: "Resize the image to exactly width x height pixels (default 800x600)",
		prepare: func(p *paramReader) (imageFn, error) {
			w, err := p.dimension("width", 800)
			if err != nil {
				return nil, err
			}
			h, err := p.dimension("height", 600)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.Resize(img, w, h, imaging.Lanczos)
			}, nil
		},
	},
	"thumbnail": {
		description: "Shrink the image to fit within width x height pixels keeping its aspect ratio (default 200x200)",
		prepare: func(p *paramReader) (imageFn, error) {
			w, err := p.dimension("width", 200)
			if err != nil {
				return nil, err
			}
			h, err := p.dimension("height", 200)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.Fit(img, w, h, imaging.Lanczos)
			}, nil
		},
	},
	"blur": {
		description: "Apply a gaussian blur (intensity is the blur radius, default 2)",
		prepare: func(p *paramReader) (imageFn, error) {
			sigma, err := p.float("intensity", 2, 0, 100)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.Blur(img, sigma)
			}, nil
		},
	},
	"sharpen": {
		description: "Sharpen the image (default intensity 1)",
		prepare: func(p *paramReader) (imageFn, error) {
			sigma, err := p.float("intensity", 1, 0, 100)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.Sharpen(img, sigma)
			}, nil
		},
	},
	"grayscale": {
		description: "Convert the image to grayscale",
		prepare: func(*paramReader) (imageFn, error) {
			return func(img image.Image) image.Image {
				return imaging.Grayscale(img)
			}, nil
		},
	},
	"brightness": {
		description: "Adjust brightness (intensity 1 keeps the image unchanged, 0 is darkest, 2 is brightest; default 1.5)",
		prepare: func(p *paramReader) (imageFn, error) {
			factor, err := p.float("intensity", 1.5, 0, 2)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.AdjustBrightness(img, (factor-1)*100)
			}, nil
		},
	},
	"contrast": {
		description: "Adjust contrast (intensity 1 keeps the image unchanged, 0 is flat, 2 is strongest; default 1.5)",
		prepare: func(p *paramReader) (imageFn, error) {
			factor, err := p.float("intensity", 1.5, 0, 2)
			if err != nil {
				return nil, err
			}
			return func(img image.Image) image.Image {
				return imaging.AdjustContrast(img, (factor-1)*100)
			}, nil
		},
	},
}

// paramReader parses operation parameters, falling back to defaults for
// parameters that are absent. Parameters an operation does not read are
// ignored.
type paramReader struct {
	params map[string]string
	maxDim int
}

func (p *paramReader) dimension(name string, def int) (int, error) {
	raw, ok := p.params[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, xerrors.Errorf("%s=%q is not an integer: %w", name, raw, ErrInvalidParameter)
	}
	if v <= 0 || v > p.maxDim {
		return 0, xerrors.Errorf("%s=%d must be between 1 and %d: %w", name, v, p.maxDim, ErrInvalidParameter)
	}
	return v, nil
}

func (p *paramReader) float(name string, def, min, max float64) (float64, error) {
	raw, ok := p.params[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, xerrors.Errorf("%s=%q is not a number: %w", name, raw, ErrInvalidParameter)
	}
	if math.IsNaN(v) || v < min || v > max {
		return 0, xerrors.Errorf("%s=%v must be between %v and %v: %w", name, v, min, max, ErrInvalidParameter)
	}
	return v, nil
}
