package base

import "io"

// Pump reads src until it fails, hands every whole frame found by the deframer to the handler
// and finishes with EventDisconnected. Meant to run as the reader goroutine of stream gateways.
func Pump(src io.Reader, deframer Deframer, handler EventHandler, debugf func(format string, v ...any)) error {
	buf := make([]byte, 2048)
	deframer.Reset()
	defer handler(Event{Kind: EventDisconnected})
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if debugf != nil {
				debugf("%s", LogHex("RX", buf[:n]))
			}
			for _, f := range deframer.Feed(buf[:n]) {
				handler(Event{Kind: EventFrameReceived, Frame: f})
			}
		}
		if err != nil {
			return err
		}
	}
}
