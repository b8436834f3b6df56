package chat

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestToBuffer_Bytes(t *testing.T) {
	in := []byte{1, 2, 3}
	out, err := ToBuffer(in, BufferOptions{Platform: "slack"})
	if err != nil {
		t.Fatalf("ToBuffer: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("ToBuffer = %v, want %v", out, in)
	}
}

func TestToBuffer_Buffer(t *testing.T) {
	buf := bytes.NewBufferString("hello")
	out, err := ToBuffer(buf, BufferOptions{Platform: "slack"})
	if err != nil {
		t.Fatalf("ToBuffer: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("ToBuffer = %q, want %q", out, "hello")
	}
	// The copy must not alias the buffer's storage.
	buf.Reset()
	buf.WriteString("changed")
	if string(out) != "hello" {
		t.Error("ToBuffer result aliased the source buffer")
	}
}

func TestToBuffer_Reader(t *testing.T) {
	out, err := ToBuffer(strings.NewReader("stream"), BufferOptions{Platform: "discord"})
	if err != nil {
		t.Fatalf("ToBuffer: %v", err)
	}
	if string(out) != "stream" {
		t.Errorf("ToBuffer = %q, want %q", out, "stream")
	}
}

func TestToBuffer_Unsupported(t *testing.T) {
	_, err := ToBuffer(42, BufferOptions{Platform: "slack"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ToBuffer(int) error = %v, want ValidationError", err)
	}
	if ve.Adapter != "slack" {
		t.Errorf("Adapter = %q, want slack", ve.Adapter)
	}

	out, err := ToBuffer(42, BufferOptions{Platform: "slack", IgnoreUnsupported: true})
	if err != nil || out != nil {
		t.Errorf("ToBuffer(int, ignore) = (%v, %v), want (nil, nil)", out, err)
	}
}

func TestToBufferSync_RejectsReader(t *testing.T) {
	_, err := ToBufferSync(strings.NewReader("x"), BufferOptions{Platform: "slack"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ToBufferSync(reader) error = %v, want ValidationError", err)
	}

	out, err := ToBufferSync(strings.NewReader("x"), BufferOptions{Platform: "slack", IgnoreUnsupported: true})
	if err != nil || out != nil {
		t.Errorf("ToBufferSync(reader, ignore) = (%v, %v), want (nil, nil)", out, err)
	}
}

func TestToBufferSync_Bytes(t *testing.T) {
	in := []byte("abc")
	out, err := ToBufferSync(in, BufferOptions{Platform: "slack"})
	if err != nil {
		t.Fatalf("ToBufferSync: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("ToBufferSync = %v, want %v", out, in)
	}
}

func TestDataURI(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		mime string
		want string
	}{
		{"hello text", []byte("hello"), "text/plain", "data:text/plain;base64,aGVsbG8="},
		{"empty default mime", nil, "", "data:application/octet-stream;base64,"},
		{"empty explicit mime", []byte{}, "image/png", "data:image/png;base64,"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DataURI(tc.data, tc.mime); got != tc.want {
				t.Errorf("DataURI = %q, want %q", got, tc.want)
			}
		})
	}
}
