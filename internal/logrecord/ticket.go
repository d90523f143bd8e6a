package logrecord

import "github.com/behrlich/xfsjournal/internal/wire"

// TicketFlag mirrors XLOG_TIC_INITED/XLOG_TIC_PERM_RESERV (§4.G).
type TicketFlag uint8

const (
	TicketInited TicketFlag = 1 << iota
	TicketPermReserv
)

// Ticket describes one client's outstanding log reservation (§4.G
// "reserve"). Tickets are not pooled: Go's GC makes the teacher's
// xlog_ticket free list unnecessary, so Reserve/Done just allocate and
// drop a *Ticket like any other short-lived value.
type Ticket struct {
	TID          uint32
	ClientID     uint8
	Flags        TicketFlag
	OrigReserv   int64
	CurrReserv   int64
	everWrote    bool
}

// reserveSize rounds a requested length up to include a per-region op
// header for every iclog-sized chunk the write could split across, and
// adds two headers unconditionally for permanent reservations (start
// header for the first call, commit header at the end) (§4.G reserve).
func reserveSize(length int64, iclogSize int64, permanent bool) int64 {
	headers := int64(1)
	if length > 0 {
		headers = (length + iclogSize - 1) / iclogSize
	}
	size := length + wire.OpHeaderSize*headers
	if permanent {
		size += 2 * wire.OpHeaderSize
	}
	return size
}
