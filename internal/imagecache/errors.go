package imagecache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMedia signals an image decode failure or a missing video
	// stream on the thumbnail-extraction path.
	ErrInvalidMedia = errors.New("imagecache: invalid media")
	// ErrIO signals a filesystem operation failure not otherwise classified.
	ErrIO = errors.New("imagecache: io failure")
	// ErrInternal signals any unexpected database/encoding/schema failure.
	ErrInternal = errors.New("imagecache: internal error")
)

func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}

func invalidMediaf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidMedia}, args...)...)
}

func ioErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIO}, args...)...)
}
