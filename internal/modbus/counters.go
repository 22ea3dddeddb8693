package modbus

import "sync/atomic"

// Counter identifies one of the per-listener diagnostic counters.
type Counter int

const (
	CntBusMessage Counter = iota
	CntCRCError
	CntException
	CntServerMessage
	CntNoResponse
	CntOverrun

	cntNum
)

var counterNames = [cntNum]string{
	CntBusMessage:    "bus_messages",
	CntCRCError:      "bus_comm_errors",
	CntException:     "exceptions",
	CntServerMessage: "server_messages",
	CntNoResponse:    "no_response",
	CntOverrun:       "char_overruns",
}

func (c Counter) String() string {
	if c < 0 || c >= cntNum {
		return "unknown"
	}
	return counterNames[c]
}

// Counters are the diagnostic counters of one listener. Values saturate
// at the 16 bit range when reported over the wire.
type Counters struct {
	ca [cntNum]atomic.Uint64
}

func (c *Counters) Inc(cnt Counter) {
	if cnt >= 0 && cnt < cntNum {
		c.ca[cnt].Add(1)
	}
}

func (c *Counters) Get(cnt Counter) uint64 {
	if cnt < 0 || cnt >= cntNum {
		return 0
	}
	return c.ca[cnt].Load()
}

// Wire returns the counter as carried in a diagnostics response.
func (c *Counters) Wire(cnt Counter) uint16 {
	v := c.Get(cnt)
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

func (c *Counters) Reset() {
	for i := range c.ca {
		c.ca[i].Store(0)
	}
}

// Snapshot returns every counter keyed by name.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, cntNum)
	for i := Counter(0); i < cntNum; i++ {
		out[i.String()] = c.ca[i].Load()
	}
	return out
}
