package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestFormatBytesFor(t *testing.T) {
	if got := DefaultFormat.BytesFor(DefaultChunkInterval); got != 4800 {
		t.Fatalf("BytesFor(150ms) = %d, want 4800", got)
	}
	if got := DefaultFormat.BytesFor(time.Second); got != 32000 {
		t.Fatalf("BytesFor(1s) = %d, want 32000", got)
	}
}

func TestChunkerPreservesCaptureOrder(t *testing.T) {
	c := NewChunker(DefaultFormat)
	var sent [][]byte

	_, _ = c.Write([]byte{1, 2})
	_, _ = c.Write([]byte{3, 4})
	sent = append(sent, c.Take())
	_, _ = c.Write([]byte{5, 6, 7})
	sent = append(sent, c.Take())
	if got := c.Take(); got != nil {
		t.Fatalf("Take() with only a partial frame pending = %v, want nil", got)
	}
	_, _ = c.Write([]byte{8})
	sent = append(sent, c.Take())

	want := [][]byte{{1, 2, 3, 4}, {5, 6}, {7, 8}}
	if len(sent) != len(want) {
		t.Fatalf("len(sent) = %d, want %d", len(sent), len(want))
	}
	for i := range want {
		if !bytes.Equal(sent[i], want[i]) {
			t.Fatalf("chunk %d = %v, want %v", i, sent[i], want[i])
		}
	}
}

func TestChunkerFlushReturnsTailOnce(t *testing.T) {
	c := NewChunker(DefaultFormat)
	_, _ = c.Write([]byte{1, 2, 3, 4})
	_ = c.Take()
	_, _ = c.Write([]byte{9, 9, 9})

	tail := c.Flush()
	if !bytes.Equal(tail, []byte{9, 9, 9}) {
		t.Fatalf("Flush() = %v, want [9 9 9]", tail)
	}
	if got := c.Flush(); got != nil {
		t.Fatalf("second Flush() = %v, want nil", got)
	}
	if _, err := c.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Flush err = %v, want ErrClosed", err)
	}
	if !c.Sealed() {
		t.Fatalf("Sealed() = false after Flush")
	}
}

func TestChunkerCaptured(t *testing.T) {
	c := NewChunker(DefaultFormat)
	_, _ = c.Write(make([]byte, DefaultFormat.BytesFor(300*time.Millisecond)))
	if got := c.Captured(); got != 300*time.Millisecond {
		t.Fatalf("Captured() = %v, want 300ms", got)
	}
}

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	wav := encodeWAV16Stereo(t, stereo, 16000)
	gotPCM, _, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	if s := int16(binary.LittleEndian.Uint16(gotPCM[0:2])); s != 0 {
		t.Fatalf("frame 1 = %d, want 0", s)
	}
	if s := int16(binary.LittleEndian.Uint16(gotPCM[2:4])); s != 2000 {
		t.Fatalf("frame 2 = %d, want 2000", s)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("definitely not a wav file")); !errors.Is(err, ErrUnsupportedWAV) {
		t.Fatalf("err = %v, want ErrUnsupportedWAV", err)
	}
}

func encodeWAV16Stereo(t *testing.T, pcm []byte, sampleRate int) []byte {
	t.Helper()
	var buf bytes.Buffer
	write := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	buf.WriteString("RIFF")
	write(uint32(36 + len(pcm)))
	buf.WriteString("WAVEfmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(2))
	write(uint32(sampleRate))
	write(uint32(sampleRate * 4))
	write(uint16(4))
	write(uint16(16))
	buf.WriteString("data")
	write(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
