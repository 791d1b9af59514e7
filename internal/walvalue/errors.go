package walvalue

import "errors"

// ErrMalformedMessage indicates a wire datum could not be parsed or decoded.
var ErrMalformedMessage = errors.New("walvalue: malformed message")
