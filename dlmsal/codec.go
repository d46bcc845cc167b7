package dlmsal

type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindSet:
		return "set"
	case KindAction:
		return "action"
	}
	return "unknown"
}

// PendingOperation is the single request in flight. Attribute doubles as method id for actions,
// Parameters is a hex encoded DLMS value (selective access, value to set or method argument).
// Next asks for the following block of the transfer in progress, without it every GET starts over.
type PendingOperation struct {
	Kind       Kind
	ObjectID   int
	Attribute  int
	Selector   byte
	DataIndex  int
	Parameters string
	Next       bool
}

// ResponseBlock is one decoded answer. Status 0 means final, 2 means another block follows,
// negative values are device errors. Segmented means the link frame was only a part of the answer
// and the engine has to acknowledge it and wait for the rest.
type ResponseBlock struct {
	Fields       []string
	Status       int
	Continuation bool
	Segmented    bool
}

const StatusMoreBlocks = 2

// Codec maps protocol steps to link frames and frames back to results. It does no I/O.
//
// A nil frame from EncodeOpen means the framing has no link open, Session is then called with nil.
// A nil frame from Challenge means no challenge is required and the session is established.
type Codec interface {
	EncodeOpen() ([]byte, error)
	Session(openAck []byte) ([]byte, error)
	Challenge(sessionAck []byte) ([]byte, error)
	Confirm(challengeAck []byte) error
	EncodeRequest(op *PendingOperation) ([]byte, error)
	DecodeResponse(op *PendingOperation, raw []byte) (*ResponseBlock, error)
	EncodeAck() ([]byte, error)
	EncodeRelease() ([]byte, error)
	Released(raw []byte) error
	EncodeClose() ([]byte, error)
	Closed(raw []byte) error
}
