// Package llc adds and strips the LLC header carried in front of every APDU inside HDLC I frames.
package llc

import "fmt"

var (
	sendHeader    = [3]byte{0xe6, 0xe6, 0x00}
	receiveHeader = [3]byte{0xe6, 0xe7, 0x00}
)

// Wrap prefixes an APDU with the client to server LLC header.
func Wrap(apdu []byte) []byte {
	out := make([]byte, 0, len(apdu)+len(sendHeader))
	out = append(out, sendHeader[:]...)
	return append(out, apdu...)
}

// Unwrap checks the server to client LLC header and returns the APDU behind it, sharing the input slice.
func Unwrap(info []byte) ([]byte, error) {
	if len(info) < len(receiveHeader) {
		return nil, fmt.Errorf("too short LLC header")
	}
	if info[0] != receiveHeader[0] || info[1] != receiveHeader[1] || info[2] != receiveHeader[2] {
		return nil, fmt.Errorf("invalid LLC received header")
	}
	return info[len(receiveHeader):], nil
}
