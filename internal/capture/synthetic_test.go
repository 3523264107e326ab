package capture

import (
	"context"
	"io"
	"testing"
)

func TestSyntheticProducesBoundedFrames(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Width: 64, Height: 64, FPS: 1000, FrameLimit: 5})
	handle, err := s.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	ctx := context.Background()
	var got int
	for {
		f, err := handle.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(f.Video) != 64*64+64*64/2 {
			t.Fatalf("unexpected NV12 frame size %d", len(f.Video))
		}
		if len(f.Audio) == 0 {
			t.Fatal("expected non-empty audio samples")
		}
		got++
	}
	if got != 5 {
		t.Fatalf("expected exactly 5 frames, got %d", got)
	}
}

func TestSyntheticFramesCycleThroughPalette(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Width: 16, Height: 16, FPS: 1000, FrameLimit: len(palette) + 1})
	handle, _ := s.Open(0)
	ctx := context.Background()

	first, err := handle.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	for i := 1; i < len(palette); i++ {
		if _, err := handle.Next(ctx); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	wrapped, err := handle.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(first.Video) != string(wrapped.Video) {
		t.Fatal("expected frame at palette-length offset to repeat the first color")
	}
}

func TestSyntheticClosedReturnsEOF(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Width: 16, Height: 16, FPS: 1000})
	handle, _ := s.Open(0)
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := handle.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF after Close, got %v", err)
	}
}
