package msg

// ExecutionEventMsg is the drop copy of one execution event, keyed on the
// wire by "<session_id>|<order's cl_ord_id>" so one order stays on one partition.
type ExecutionEventMsg struct {
	EventID        string `json:"event_id"`
	ExecID         uint64 `json:"exec_id"`
	SessionID      string `json:"session_id"`
	ClOrdID        string `json:"cl_ord_id"`
	OrigClOrdID    string `json:"orig_cl_ord_id,omitempty"`
	OrderID        string `json:"order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	ExecType       string `json:"exec_type"`
	Status         string `json:"status"`
	Quantity       uint64 `json:"qty"`
	FilledQuantity uint64 `json:"filled_qty"`
	FillQty        uint64 `json:"fill_qty,omitempty"`
	FillPrice      string `json:"fill_price,omitempty"`
	AvgPx          string `json:"avg_px"`
	Reason         string `json:"reason,omitempty"`
	TsUnixMillis   int64  `json:"ts_unix_millis"`
}

// OrderClOrdID is the ClOrdID the order was placed with; cancels carry
// it in OrigClOrdID
func (m ExecutionEventMsg) OrderClOrdID() string {
	if m.OrigClOrdID != "" {
		return m.OrigClOrdID
	}
	return m.ClOrdID
}

// Key returns the partition key of the message
func (m ExecutionEventMsg) Key() string {
	return m.SessionID + "|" + m.OrderClOrdID()
}

// Record is a consumed Kafka record
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}
