package pump

import (
	"sync/atomic"
)

// Stats is a snapshot of the pump's counters
type Stats struct {
	PacketsOut        uint64 // plaintext packets handed to the engine
	PacketsIn         uint64 // plaintext packets delivered to the host
	DatagramsSent     uint64
	DatagramsReceived uint64
	BytesSent         uint64
	BytesReceived     uint64

	ForeignDatagrams uint64 // from a source other than the peer endpoint
	EncapErrors      uint64
	DecapErrors      uint64
	SendErrors       uint64
	ChannelErrors    uint64
	Filtered         uint64 // outside the peer's allowed IPs
	Recovered        uint64 // per-packet panics
	HandshakeEvents  uint64
}

type counters struct {
	packetsOut        atomic.Uint64
	packetsIn         atomic.Uint64
	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	foreign           atomic.Uint64
	encapErrors       atomic.Uint64
	decapErrors       atomic.Uint64
	sendErrors        atomic.Uint64
	channelErrors     atomic.Uint64
	filtered          atomic.Uint64
	recovered         atomic.Uint64
	handshakeEvents   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsOut:        c.packetsOut.Load(),
		PacketsIn:         c.packetsIn.Load(),
		DatagramsSent:     c.datagramsSent.Load(),
		DatagramsReceived: c.datagramsReceived.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		ForeignDatagrams:  c.foreign.Load(),
		EncapErrors:       c.encapErrors.Load(),
		DecapErrors:       c.decapErrors.Load(),
		SendErrors:        c.sendErrors.Load(),
		ChannelErrors:     c.channelErrors.Load(),
		Filtered:          c.filtered.Load(),
		Recovered:         c.recovered.Load(),
		HandshakeEvents:   c.handshakeEvents.Load(),
	}
}
