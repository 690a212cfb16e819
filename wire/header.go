package wire

// MsgType is the type of a D-Bus message, carried in the fixed
// header's second byte.
type MsgType byte

const (
	MethodCall   MsgType = 1
	MethodReturn MsgType = 2
	MsgError     MsgType = 3
	Signal       MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case MsgError:
		return "error"
	case Signal:
		return "signal"
	default:
		return "unknown"
	}
}

// Flags are the message header flags bitfield.
type Flags byte

const (
	FlagNoReplyExpected      Flags = 1 << 0
	FlagNoAutoStart          Flags = 1 << 1
	FlagAllowInteractiveAuth Flags = 1 << 2
)

// Codes of the header fields this package recognizes in the
// header-field array. Fields with other codes are skipped on decode,
// so they are not carried into a re-encoded message.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// protocolVersion is the only D-Bus wire protocol version this broker
// speaks.
const protocolVersion = 1
