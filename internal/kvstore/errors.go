package kvstore

import "errors"

var (
	ErrStoreFailed = errors.New("kvstore: store failed")
	ErrEncoding    = errors.New("kvstore: encoding failed")
	ErrDecoding    = errors.New("kvstore: decoding failed")
)
