package fix

// Tag is a FIX field number
type Tag int

// Header and trailer tags
const (
	TagBeginString     Tag = 8
	TagBodyLength      Tag = 9
	TagCheckSum        Tag = 10
	TagMsgSeqNum       Tag = 34
	TagMsgType         Tag = 35
	TagPossDupFlag     Tag = 43
	TagSenderCompID    Tag = 49
	TagSendingTime     Tag = 52
	TagTargetCompID    Tag = 56
	TagOrigSendingTime Tag = 122
)

// Session-level tags
const (
	TagBeginSeqNo          Tag = 7
	TagEndSeqNo            Tag = 16
	TagNewSeqNo            Tag = 36
	TagRefSeqNum           Tag = 45
	TagText                Tag = 58
	TagEncryptMethod       Tag = 98
	TagHeartBtInt          Tag = 108
	TagTestReqID           Tag = 112
	TagGapFillFlag         Tag = 123
	TagResetSeqNumFlag     Tag = 141
	TagRefTagID            Tag = 371
	TagRefMsgType          Tag = 372
	TagSessionRejectReason Tag = 373
)

// Application tags
const (
	TagAvgPx                Tag = 6
	TagClOrdID              Tag = 11
	TagCumQty               Tag = 14
	TagExecID               Tag = 17
	TagLastPx               Tag = 31
	TagLastQty              Tag = 32
	TagOrderID              Tag = 37
	TagOrderQty             Tag = 38
	TagOrdStatus            Tag = 39
	TagOrdType              Tag = 40
	TagOrigClOrdID          Tag = 41
	TagPrice                Tag = 44
	TagSide                 Tag = 54
	TagSymbol               Tag = 55
	TagTimeInForce          Tag = 59
	TagTransactTime         Tag = 60
	TagCxlRejReason         Tag = 102
	TagOrdRejReason         Tag = 103
	TagExecType             Tag = 150
	TagLeavesQty            Tag = 151
	TagBusinessRejectRefID  Tag = 379
	TagBusinessRejectReason Tag = 380
	TagCxlRejResponseTo     Tag = 434
)

// BeginStringFIX44 is the only protocol version spoken by this gateway
const BeginStringFIX44 = "FIX.4.4"

// MsgType is the message discriminant carried in tag 35
type MsgType string

const (
	MsgTypeHeartbeat             MsgType = "0"
	MsgTypeTestRequest           MsgType = "1"
	MsgTypeResendRequest         MsgType = "2"
	MsgTypeReject                MsgType = "3"
	MsgTypeSequenceReset         MsgType = "4"
	MsgTypeLogout                MsgType = "5"
	MsgTypeExecutionReport       MsgType = "8"
	MsgTypeOrderCancelReject     MsgType = "9"
	MsgTypeLogon                 MsgType = "A"
	MsgTypeNewOrderSingle        MsgType = "D"
	MsgTypeOrderCancelRequest    MsgType = "F"
	MsgTypeBusinessMessageReject MsgType = "j"
)

var supportedMsgTypes = map[MsgType]bool{
	MsgTypeHeartbeat:             true,
	MsgTypeTestRequest:           true,
	MsgTypeResendRequest:         true,
	MsgTypeReject:                true,
	MsgTypeSequenceReset:         true,
	MsgTypeLogout:                true,
	MsgTypeExecutionReport:       true,
	MsgTypeOrderCancelReject:     true,
	MsgTypeLogon:                 true,
	MsgTypeNewOrderSingle:        true,
	MsgTypeOrderCancelRequest:    true,
	MsgTypeBusinessMessageReject: true,
}

// Supported reports whether the codec accepts this message type
func (t MsgType) Supported() bool {
	return supportedMsgTypes[t]
}

// IsAdmin reports whether the message belongs to the session layer
func (t MsgType) IsAdmin() bool {
	switch t {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeReject,
		MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// Field values used on the wire
const (
	SideBuy  = "1"
	SideSell = "2"

	OrdTypeMarket = "1"
	OrdTypeLimit  = "2"

	TimeInForceDay = "0"
	TimeInForceGTC = "1"
	TimeInForceIOC = "3"
	TimeInForceFOK = "4"

	OrdStatusNew             = "0"
	OrdStatusPartiallyFilled = "1"
	OrdStatusFilled          = "2"
	OrdStatusCanceled        = "4"
	OrdStatusRejected        = "8"

	ExecTypeNew      = "0"
	ExecTypeCanceled = "4"
	ExecTypeRejected = "8"
	ExecTypeTrade    = "F"

	BusinessRejectReasonOther              = "0"
	BusinessRejectReasonUnsupportedMsgType = "3"

	SessionRejectReasonRequiredTagMissing = "1"
	SessionRejectReasonValueIncorrect     = "5"
	SessionRejectReasonCompIDProblem      = "9"
	SessionRejectReasonInvalidMsgType     = "11"
	SessionRejectReasonOther              = "99"

	OrdRejReasonDuplicateOrder = "6"
	OrdRejReasonOther          = "99"

	CxlRejReasonTooLateToCancel   = "0"
	CxlRejReasonUnknownOrder      = "1"
	CxlRejResponseToCancelRequest = "1"
)
