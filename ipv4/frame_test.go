package ipv4

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	buf := make([]byte, 20+4)
	f, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(24)
	f.SetTTL(64)
	f.SetProtocol(ProtoTCP)
	*f.SourceAddr() = [4]byte{192, 168, 0, 40}
	*f.DestinationAddr() = [4]byte{192, 168, 0, 1}
	f.SetCRC(f.CalculateHeaderCRC())

	if err := f.ValidateSize(); err != nil {
		t.Fatalf("ValidateSize: %v", err)
	}
	if f.HeaderLength() != 20 {
		t.Errorf("HeaderLength = %d, want 20", f.HeaderLength())
	}
	if f.Protocol() != ProtoTCP {
		t.Errorf("Protocol = %d, want %d", f.Protocol(), ProtoTCP)
	}
	// CalculateHeaderCRC skips the stored CRC field itself, so recomputing
	// after SetCRC must reproduce the exact value that was stored.
	if got := f.CalculateHeaderCRC(); got != f.CRC() {
		t.Errorf("checksum mismatch: got %#x want %#x", got, f.CRC())
	}
}

func TestValidateSizeRejectsShortTotalLength(t *testing.T) {
	buf := make([]byte, 20)
	f, _ := NewFrame(buf)
	f.SetVersionAndIHL(4, 5)
	f.SetTotalLength(10)
	if err := f.ValidateSize(); err == nil {
		t.Error("expected error for total length shorter than header")
	}
}
