package domain

import "errors"

// Media subsystem errors. Handlers map them to HTTP status codes.
var (
	ErrValidation             = errors.New("validation failed")              // 400
	ErrInvalidIndex           = errors.New("invalid chunk index")            // 400
	ErrIncompleteUpload       = errors.New("upload is incomplete")           // retry after remaining chunks
	ErrAlreadyCommitted       = errors.New("upload already committed")       // not an error for the client
	ErrSessionNotFound        = errors.New("upload session not found")       // 400
	ErrNotFound               = errors.New("object not found")               // 404
	ErrInvalidRange           = errors.New("invalid byte range")             // 416
	ErrStoreUnavailable       = errors.New("object store unavailable")       // 500 after retries
	ErrNameCollisionExhausted = errors.New("unable to allocate unique name") // 500
)
