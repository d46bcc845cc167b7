package base

type SerialDataBits int
type SerialParity int
type SerialStopBits int

const (
	Serial7DataBits          SerialDataBits = 7
	Serial8DataBits          SerialDataBits = 8
	SerialNoParity           SerialParity   = 1
	SerialOddParity          SerialParity   = 2
	SerialEvenParity         SerialParity   = 3
	SerialOneStopBit         SerialStopBits = 1
	SerialTwoStopBits        SerialStopBits = 2
	SerialOneAndHalfStopBits SerialStopBits = 3
)

type SerialStreamSettings struct {
	Port     string
	BaudRate int
	DataBits SerialDataBits
	Parity   SerialParity
	StopBits SerialStopBits
}

// optical probes talk 8N1 at 9600 unless told otherwise
func DefaultSerialSettings(port string) *SerialStreamSettings {
	return &SerialStreamSettings{
		Port:     port,
		BaudRate: 9600,
		DataBits: Serial8DataBits,
		Parity:   SerialNoParity,
		StopBits: SerialOneStopBit,
	}
}
