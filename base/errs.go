package base

import "errors"

var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")

// session and data access outcomes
var (
	ErrTimeout           = errors.New("no response within the bounded wait")
	ErrEncodingFailure   = errors.New("unable to encode request")
	ErrDecodeFailure     = errors.New("unable to decode response")
	ErrOperationRejected = errors.New("operation rejected by device")
	ErrTruncated         = errors.New("block cap reached before the last block")
	ErrProtocolFailure   = errors.New("session handshake failed")
)
