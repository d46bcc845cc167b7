package dlmsal

import (
	"fmt"

	"github.com/meterkenshin/dlmslink/base"
)

// DeviceError is a negative status returned by the device, either -data-access-result or
// -exception code.
type DeviceError struct {
	Code int
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, base.DlmsResultTag(-e.Code))
}
