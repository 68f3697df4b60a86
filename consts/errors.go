package consts

import "errors"

var (
	ErrMalformedHeader = errors.New("malformed header line")
	ErrReservedHeader  = errors.New("content-length is a reserved header")
	ErrTruncatedHeader = errors.New("unexpected end of stream while reading header")
	ErrTruncatedBody   = errors.New("unexpected end of stream while reading content")

	ErrConnClosed = errors.New("connection closed")

	ErrUploadNotFound = errors.New("upload not found")
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
)
