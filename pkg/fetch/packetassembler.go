package fetch

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// Protocol-level constants established by the collaborating UDP transport
// (spec §6). They are not negotiated by this core; they are fixed sizes the
// transport and viewer agree on out of band.
const (
	// FirstPacketSize is the number of data bytes embedded directly in the
	// inbound header packet (packet index 0).
	FirstPacketSize = 600
	// MaxImgPacketSize is the payload size of every non-terminal data
	// packet after the header.
	MaxImgPacketSize = 1000
)

// PacketAssembler is the per-worker UDP reassembly buffer described in
// spec §4.3. It receives header and data packets, possibly out of order,
// and reports the longest contiguous byte prefix available so far.
type PacketAssembler struct {
	mu sync.Mutex

	headerReceived bool
	codecTag       uint32
	totalPackets   uint32
	totalBytes     uint64
	firstPacket    uint32
	headerPayload  []byte

	// lastPacket is the highest index of a contiguous-from-firstPacket run
	// of received packets. It starts at firstPacket-1 (an empty run) once
	// the header arrives.
	lastPacket int64
	packets    map[uint32][]byte
	haveAll    bool
}

// NewPacketAssembler creates an empty assembler; insertHeader must be
// called before insert or deliverablePrefix do anything useful.
func NewPacketAssembler() *PacketAssembler {
	return &PacketAssembler{
		lastPacket: -1,
		packets:    make(map[uint32][]byte),
	}
}

// insertHeader records the inbound header packet. It is rejected if a
// header has already been received for this worker; checking that the
// worker itself is in LoadFromNetwork/SENT_SIM is the caller's
// responsibility (FetchWorker.receiveHeader), since the assembler has
// no visibility into worker state.
func (pa *PacketAssembler) insertHeader(codecTag uint32, totalPackets uint32, fileSize uint64, firstPayload []byte) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.headerReceived {
		return errors.AddContext(ErrProtocolViolation, "duplicate header packet")
	}
	if totalPackets == 0 {
		return errors.AddContext(ErrProtocolViolation, "header declares zero packets")
	}
	pa.headerReceived = true
	pa.codecTag = codecTag
	pa.totalPackets = totalPackets
	pa.totalBytes = fileSize
	pa.headerPayload = append([]byte(nil), firstPayload...)

	first := (int64(fileSize) - int64(FirstPacketSize)) / int64(MaxImgPacketSize)
	first++
	if first < 1 {
		first = 1
	}
	pa.firstPacket = uint32(first)
	pa.lastPacket = int64(pa.firstPacket) - 1

	if totalPackets == 1 {
		pa.haveAll = true
	}
	return nil
}

// insert records a data packet. index must be in [1, totalPackets). Every
// non-terminal packet must carry exactly MaxImgPacketSize bytes; the final
// packet (index == totalPackets-1) may be shorter. Duplicates are rejected.
func (pa *PacketAssembler) insert(index uint32, payload []byte) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.headerReceived {
		return errors.AddContext(ErrProtocolViolation, "data packet before header")
	}
	if index >= pa.totalPackets {
		return errors.AddContext(ErrProtocolViolation, "packet index out of range")
	}
	isLast := index == pa.totalPackets-1
	if !isLast && index > 0 && len(payload) != MaxImgPacketSize {
		return errors.AddContext(ErrProtocolViolation, "middle packet has wrong size")
	}
	if _, exists := pa.packets[index]; exists {
		return errors.AddContext(ErrProtocolViolation, "duplicate data packet")
	}
	pa.packets[index] = append([]byte(nil), payload...)

	// Advance the contiguous run.
	for {
		next := uint32(pa.lastPacket + 1)
		if _, ok := pa.packets[next]; !ok {
			break
		}
		pa.lastPacket++
	}
	if uint32(pa.lastPacket) >= pa.totalPackets-1 {
		pa.haveAll = true
	}
	return nil
}

// deliverablePrefix returns the longest contiguous byte prefix currently
// assembled, if it satisfies requestedSize (or the asset is complete).
// Returns (nil, false) when nothing deliverable is available yet. The
// returned slice's length is monotonically non-decreasing across
// successive calls for the same worker (spec §4.3 invariant).
func (pa *PacketAssembler) deliverablePrefix(requestedSize uint64) ([]byte, bool) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.headerReceived {
		return nil, false
	}
	if pa.lastPacket < int64(pa.firstPacket) && !pa.haveAll {
		return nil, false
	}

	out := append([]byte(nil), pa.headerPayload...)
	for i := pa.firstPacket; int64(i) <= pa.lastPacket; i++ {
		out = append(out, pa.packets[i]...)
	}

	if uint64(len(out)) < requestedSize && !pa.haveAll {
		return nil, false
	}
	return out, true
}

// haveAllPackets reports whether the full asset has been reassembled.
func (pa *PacketAssembler) haveAllPackets() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.haveAll
}

// codec returns the codec tag learned from the header, and whether a
// header has been received yet.
func (pa *PacketAssembler) codec() (uint32, bool) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.codecTag, pa.headerReceived
}

// totalPacketCount returns the total packet count learned from the
// header, or 0 if no header has arrived yet.
func (pa *PacketAssembler) totalPacketCount() uint32 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.totalPackets
}
