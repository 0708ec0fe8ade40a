package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecoderSingleFrames(t *testing.T) {
	t.Parallel()

	input := "data: one\n\ndata: two\n\n"
	dec := NewDecoder(strings.NewReader(input))

	for _, want := range []string{"one", "two"} {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %q, want %q", got, want)
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoderMultiLineData(t *testing.T) {
	t.Parallel()

	input := "data: first\ndata: second\n\n"
	dec := NewDecoder(strings.NewReader(input))

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "first\nsecond" {
		t.Fatalf("Next = %q, want joined payload", got)
	}
}

func TestDecoderSkipsNonDataFields(t *testing.T) {
	t.Parallel()

	input := ": keepalive comment\nevent: message_start\nid: 7\ndata: payload\n\n"
	dec := NewDecoder(strings.NewReader(input))

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "payload" {
		t.Fatalf("Next = %q, want payload", got)
	}
}

func TestDecoderCRLF(t *testing.T) {
	t.Parallel()

	input := "data: payload\r\n\r\n"
	dec := NewDecoder(strings.NewReader(input))

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "payload" {
		t.Fatalf("Next = %q, want payload", got)
	}
}

func TestDecoderFlushesAtEOFWithoutBlankLine(t *testing.T) {
	t.Parallel()

	input := "data: trailing"
	dec := NewDecoder(strings.NewReader(input))

	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "trailing" {
		t.Fatalf("Next = %q, want trailing", got)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
