package wire

import "errors"

// Codec errors.
var (
	// ErrDepthExceeded is returned when a value nests deeper than the
	// configured bound.
	ErrDepthExceeded = errors.New("wire: maximum depth exceeded")

	// ErrUnsupportedType is returned in strict mode for values the codec
	// cannot represent.
	ErrUnsupportedType = errors.New("wire: unsupported type")

	// ErrParse is returned when the wire string is not valid.
	ErrParse = errors.New("wire: malformed payload")

	// ErrBadReference is returned when a back-reference points at an
	// unknown object id.
	ErrBadReference = errors.New("wire: dangling back-reference")
)
