package filters

import (
	"errors"
	"fmt"
)

// ErrImageBounds is returned for images whose declared size is empty or
// larger than the decoders will allocate for.
var ErrImageBounds = errors.New("image bounds")

const (
	// Corrupted files often lie about image sizes.
	maxImageDimension = 32768
	// About 64 megapixels, which keeps an RGBA buffer under 256 MB.
	maxImagePixels int64 = 64 * 1024 * 1024
)

// ValidateImageBounds rejects image dimensions that are empty or too large
// to decode into memory.
func ValidateImageBounds(width, height int) error {
	switch {
	case width <= 0 || height <= 0:
		return fmt.Errorf("%w: %d x %d is empty", ErrImageBounds, width, height)
	case width > maxImageDimension || height > maxImageDimension:
		return fmt.Errorf("%w: %d x %d exceeds %d per side", ErrImageBounds, width, height, maxImageDimension)
	}
	if pixels := int64(width) * int64(height); pixels > maxImagePixels {
		return fmt.Errorf("%w: %d pixels exceeds %d", ErrImageBounds, pixels, maxImagePixels)
	}
	return nil
}
