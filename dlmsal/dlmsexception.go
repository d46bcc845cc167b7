package dlmsal

import (
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

var exceptionStateErrors = map[byte]string{
	1: "service-not-allowed",
	2: "service-unknown",
}

var exceptionServiceErrors = map[byte]string{
	1: "operation-not-possible",
	2: "service-not-supported",
	3: "other-reason",
	4: "pdu-too-long",
	5: "deciphering-error",
	6: "invocation-counter-error",
}

// decodeException describes an exception response (D8 state-error service-error). Every exception
// maps to the other-reason result, the device gives no data access result.
func decodeException(apdu []byte) (int, string) {
	code := int(base.TagResultOtherReason)
	if len(apdu) < 3 {
		return code, "truncated exception"
	}
	st, ok := exceptionStateErrors[apdu[1]]
	if !ok {
		st = fmt.Sprintf("state-error %d", apdu[1])
	}
	se, ok := exceptionServiceErrors[apdu[2]]
	if !ok {
		se = fmt.Sprintf("service-error %d", apdu[2])
	}
	return code, st + "/" + se
}
