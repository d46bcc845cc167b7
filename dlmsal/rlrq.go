package dlmsal

import (
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

func encodeRLRQ(empty bool) []byte {
	if empty {
		return []byte{byte(base.TagRLRQ), 0}
	}
	return []byte{byte(base.TagRLRQ), 3, base.BERTypeContext, 1, byte(base.ReleaseRequestReasonNormal)}
}

func decodeRLRE(apdu []byte) error {
	if len(apdu) < 2 || apdu[0] != byte(base.TagRLRE) {
		return fmt.Errorf("unexpected release response: %x", apdu)
	}
	if int(apdu[1]) > len(apdu)-2 {
		return fmt.Errorf("release response too short")
	}
	return nil
}
