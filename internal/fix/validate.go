package fix

// RequiredFields lists the body tags each message type must carry.
// Price on a limit NewOrderSingle is conditional and left to the order engine.
var RequiredFields = map[MsgType][]Tag{
	MsgTypeNewOrderSingle:        {TagClOrdID, TagSymbol, TagSide, TagOrdType, TagOrderQty, TagTimeInForce},
	MsgTypeExecutionReport:       {TagOrderID, TagClOrdID, TagExecID, TagOrdStatus, TagSymbol, TagSide, TagLeavesQty, TagCumQty},
	MsgTypeBusinessMessageReject: {TagRefMsgType, TagBusinessRejectReason, TagText},
	MsgTypeOrderCancelRequest:    {TagClOrdID, TagOrigClOrdID, TagSymbol, TagSide},
	MsgTypeOrderCancelReject:     {TagOrderID, TagClOrdID, TagOrigClOrdID, TagOrdStatus, TagCxlRejResponseTo},
	MsgTypeLogon:                 {TagEncryptMethod, TagHeartBtInt},
	MsgTypeTestRequest:           {TagTestReqID},
	MsgTypeResendRequest:         {TagBeginSeqNo, TagEndSeqNo},
	MsgTypeSequenceReset:         {TagNewSeqNo},
	MsgTypeReject:                {TagRefSeqNum},
}

// Validate checks m against RequiredFields and returns a *FieldError for
// the first missing tag.
func Validate(m *Message) error {
	for _, tag := range RequiredFields[m.MsgType] {
		if !m.Has(tag) {
			return &FieldError{Tag: tag, Err: ErrFieldNotFound}
		}
	}
	return nil
}
