package pcapfile

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"tracecap/internal/tod"
	"tracecap/util"
)

// Result is the outcome of scanning a payload.
type Result struct {
	Packets   []Packet
	SnapLen   int // largest retained packet
	Dropped   int // records shorter than MinPacketLen
	Malformed int // records that could not be read
}

// Decode scans payload and returns the retained packets in order along
// with the largest retained packet length.
func Decode(payload []byte, log *util.Logger) ([]Packet, int) {
	res := Scan(payload, log)
	return res.Packets, res.SnapLen
}

// Scan walks the records of payload.  Records whose packet is shorter
// than [MinPacketLen] are skipped.  Malformed records are logged and
// skipped; scanning goes on at the next computed offset while one
// remains inside the payload.
func Scan(payload []byte, log *util.Logger) Result {
	if log == nil {
		log = util.NewLogger(0)
	}
	debug := log.Level() >= util.LogDebug

	var res Result
	for off := 0; off < len(payload); {
		length, err := tod.Uint32(payload, off)
		if err != nil {
			log.Warn("record at offset %d: truncated header: %v", off, err)
			res.Malformed++
			break
		}
		ts, clock, err := tod.TimeAt(payload, off+4)
		if err != nil {
			log.Warn("record at offset %d: truncated header: %v", off, err)
			res.Malformed++
			break
		}

		start := off + RecordHeaderLen
		next := start + int(length)
		if next < start {
			log.Warn("record at offset %d: bad length %d", off, length)
			res.Malformed++
			break
		}

		if length < MinPacketLen {
			if debug {
				log.Debug("record at offset %d: %d-byte packet dropped", off, length)
			}
			res.Dropped++
			off = next
			continue
		}

		if next > len(payload) {
			log.Warn("record at offset %d: packet of %d bytes runs past end of payload (%d)",
				off, length, len(payload))
			res.Malformed++
			off = next
			continue
		}

		data := payload[start:next]
		total, _ := tod.Uint16(data, 2) // length >= MinPacketLen
		sec, usec := tod.UnixStamp(ts)

		pkt := Packet{
			Offset:    off,
			Clock:     clock,
			Timestamp: ts,
			Sec:       sec,
			Usec:      usec,
			OrigLen:   uint32(total),
			Data:      data,
		}
		if debug {
			log.Debug("record at offset %d: clock=%016X time=%s len=%d iplen=%d %s",
				off, clock, ts.Format("2006-01-02 15:04:05.000"), length, total, describe(data))
		}

		res.Packets = append(res.Packets, pkt)
		if int(length) > res.SnapLen {
			res.SnapLen = int(length)
		}
		off = next
	}
	return res
}

// describe renders a one-line summary of a raw IP packet.
func describe(data []byte) string {
	first := layers.LayerTypeIPv4
	if data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	nl := p.NetworkLayer()
	if nl == nil {
		return "(undecodable)"
	}
	src, dst := nl.NetworkFlow().Endpoints()
	if tl := p.TransportLayer(); tl != nil {
		sp, dp := tl.TransportFlow().Endpoints()
		return fmt.Sprintf("%s %s:%s > %s:%s", tl.LayerType(), src, sp, dst, dp)
	}
	return fmt.Sprintf("%s %s > %s", nl.LayerType(), src, dst)
}
