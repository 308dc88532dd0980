package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type channelRow struct {
	ID    uint16 `json:"id"`
	State string `json:"state"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := channelRow{ID: 7, State: "draining"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"id":7,"state":"draining"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var out channelRow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestEncodeAppendsNewline(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, []channelRow{{ID: 1, State: "idle"}}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected trailing newline, got %q", buf.String())
	}
}
