// Package pcapfile turns a reassembled trace payload into a standard
// libpcap capture file.
//
// The payload is a run of records, each a 12-byte header (4-byte
// big-endian packet length, 8-byte TOD clock) followed by that many
// bytes of raw IP packet.  The output is a microsecond pcap file with
// a raw-IP link type.
package pcapfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tracecap/util"
)

const (
	// RecordHeaderLen is the size of the header in front of each packet.
	RecordHeaderLen = 12

	// MinPacketLen is the smallest packet kept: an IPv4 header plus a
	// TCP header.
	MinPacketLen = 40

	Magic        = 0xa1b2c3d4
	VersionMajor = 2
	VersionMinor = 4

	// LinkTypeRaw is the raw-IP link type written to the file header.
	LinkTypeRaw = 12

	fileHeaderLen   = 24
	packetHeaderLen = 16
)

// FileHeader is the pcap global header.
type FileHeader struct {
	Magic        uint32
	VersionMajor uint16
	VersionMinor uint16
	ThisZone     int32
	SigFigs      uint32
	SnapLen      uint32
	Network      uint32
}

// PacketHeader precedes every packet in the file.
type PacketHeader struct {
	Sec     uint32
	Usec    uint32
	InclLen uint32
	OrigLen uint32
}

// Packet is one decoded trace record.
type Packet struct {
	Offset    int       // position of the record header in the payload
	Clock     uint64    // raw TOD clock value
	Timestamp time.Time // clock converted to UTC
	Sec       uint32
	Usec      uint32
	OrigLen   uint32 // IP total-length field of the packet
	Data      []byte
}

// Header builds the on-disk record header for p.
func (p *Packet) Header() PacketHeader {
	return PacketHeader{
		Sec:     p.Sec,
		Usec:    p.Usec,
		InclLen: uint32(len(p.Data)),
		OrigLen: p.OrigLen,
	}
}

// Encode writes a complete capture file to w: the global header, then
// every packet in order.  All header fields are little-endian.
func Encode(w io.Writer, packets []Packet, snaplen int, utcOffset int32) error {
	bw := bufio.NewWriter(w)

	fh := FileHeader{
		Magic:        Magic,
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		ThisZone:     utcOffset,
		SigFigs:      0,
		SnapLen:      uint32(snaplen),
		Network:      LinkTypeRaw,
	}
	if err := binary.Write(bw, binary.LittleEndian, &fh); err != nil {
		return fmt.Errorf("writing file header: %w", err)
	}

	for i := range packets {
		ph := packets[i].Header()
		if err := binary.Write(bw, binary.LittleEndian, &ph); err != nil {
			return fmt.Errorf("writing packet %d header: %w", i, err)
		}
		if _, err := bw.Write(packets[i].Data); err != nil {
			return fmt.Errorf("writing packet %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteFile encodes packets into a new file at path, creating the
// parent directory if needed.
func WriteFile(path string, packets []Packet, snaplen int, utcOffset int32) (err error) {
	f, err := util.CreateFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Encode(f, packets, snaplen, utcOffset)
}

// FileName is the capture file name for a capture finished at t.
func FileName(t time.Time) string {
	return "SVSEXCAP_" + t.Format("20060102_150405") + ".pcap"
}

// Summary describes a saved capture.
type Summary struct {
	Path      string
	Packets   int
	Dropped   int
	Malformed int
	SnapLen   int
	Size      int64 // bytes written to disk
}

// Save decodes payload and writes it to dir under [FileName].  A file
// of the same name is never overwritten; a numeric suffix is added.
func Save(dir string, payload []byte, utcOffset int32, now time.Time, log *util.Logger) (Summary, error) {
	res := Scan(payload, log)

	path, err := uniquePath(filepath.Join(dir, FileName(now)))
	if err != nil {
		return Summary{}, err
	}
	if err := WriteFile(path, res.Packets, res.SnapLen, utcOffset); err != nil {
		return Summary{}, err
	}

	size := int64(fileHeaderLen)
	for i := range res.Packets {
		size += packetHeaderLen + int64(len(res.Packets[i].Data))
	}
	return Summary{
		Path:      path,
		Packets:   len(res.Packets),
		Dropped:   res.Dropped,
		Malformed: res.Malformed,
		SnapLen:   res.SnapLen,
		Size:      size,
	}, nil
}

func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 0; i < 1000; i++ {
		candidate := path
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name for %s", path)
}
