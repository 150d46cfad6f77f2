package fetch

import (
	"bytes"
	"testing"
)

func TestPacketAssemblerRoundTrip(t *testing.T) {
	pa := NewPacketAssembler()
	header := []byte("header-bytes")
	// first_packet = (fileSize-FirstPacketSize)/MaxImgPacketSize + 1 = 1
	// here, so valid data packet indices are [1, totalPackets).
	fileSize := uint64(FirstPacketSize + 100)
	if err := pa.insertHeader(7, 3, fileSize, header); err != nil {
		t.Fatal(err)
	}
	if codec, ok := pa.codec(); !ok || codec != 7 {
		t.Fatalf("codec() = (%v, %v), want (7, true)", codec, ok)
	}

	p1 := bytes.Repeat([]byte{1}, MaxImgPacketSize)
	p2 := bytes.Repeat([]byte{2}, 50)
	if err := pa.insert(1, p1); err != nil {
		t.Fatal(err)
	}
	if pa.haveAllPackets() {
		t.Fatal("should not have all packets yet")
	}
	if err := pa.insert(2, p2); err != nil {
		t.Fatal(err)
	}
	if !pa.haveAllPackets() {
		t.Fatal("expected have_all after final packet")
	}

	out, ok := pa.deliverablePrefix(0)
	if !ok {
		t.Fatal("expected deliverable prefix")
	}
	want := append(append([]byte(nil), header...), append(p1, p2...)...)
	if !bytes.Equal(out, want) {
		t.Fatalf("deliverablePrefix mismatch: got %d bytes, want %d bytes", len(out), len(want))
	}
}

func TestPacketAssemblerOutOfOrder(t *testing.T) {
	pa := NewPacketAssembler()
	fileSize := uint64(FirstPacketSize + 100)
	if err := pa.insertHeader(1, 3, fileSize, []byte("h")); err != nil {
		t.Fatal(err)
	}
	p2 := bytes.Repeat([]byte{2}, 20)
	if err := pa.insert(2, p2); err != nil {
		t.Fatal(err)
	}
	if _, ok := pa.deliverablePrefix(0); ok {
		t.Fatal("should not be deliverable before packet 1 arrives")
	}
	p1 := bytes.Repeat([]byte{1}, MaxImgPacketSize)
	if err := pa.insert(1, p1); err != nil {
		t.Fatal(err)
	}
	if !pa.haveAllPackets() {
		t.Fatal("expected have_all once the contiguous run reaches the last packet")
	}
}

func TestPacketAssemblerRejectsDuplicateAndBadSize(t *testing.T) {
	pa := NewPacketAssembler()
	fileSize := uint64(FirstPacketSize + 2*MaxImgPacketSize)
	if err := pa.insertHeader(1, 3, fileSize, []byte("h")); err != nil {
		t.Fatal(err)
	}
	if err := pa.insertHeader(1, 3, fileSize, []byte("h")); err == nil {
		t.Fatal("expected duplicate header to be rejected")
	}
	if err := pa.insert(1, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected wrong-size middle packet to be rejected")
	}
	good := bytes.Repeat([]byte{1}, MaxImgPacketSize)
	if err := pa.insert(1, good); err != nil {
		t.Fatal(err)
	}
	if err := pa.insert(1, good); err == nil {
		t.Fatal("expected duplicate data packet to be rejected")
	}
	if err := pa.insert(99, good); err == nil {
		t.Fatal("expected out-of-range index to be rejected")
	}
}

func TestPacketAssemblerDeliverablePrefixMonotonic(t *testing.T) {
	pa := NewPacketAssembler()
	fileSize := uint64(FirstPacketSize + 100)
	if err := pa.insertHeader(1, 3, fileSize, []byte("hh")); err != nil {
		t.Fatal(err)
	}
	var lastLen int
	for i := uint32(1); i < 3; i++ {
		sz := MaxImgPacketSize
		if i == 2 {
			sz = 5
		}
		if err := pa.insert(i, bytes.Repeat([]byte{byte(i)}, sz)); err != nil {
			t.Fatal(err)
		}
		out, ok := pa.deliverablePrefix(0)
		if !ok {
			t.Fatal("expected a deliverable prefix")
		}
		if len(out) < lastLen {
			t.Fatalf("prefix length decreased: %d < %d", len(out), lastLen)
		}
		lastLen = len(out)
	}
}
