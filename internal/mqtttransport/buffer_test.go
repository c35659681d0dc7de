package mqtttransport

import (
	"encoding/json"
	"testing"
)

func TestForwardBufferPreservesOrder(t *testing.T) {
	b := newForwardBuffer(10)
	b.Enqueue(bufferedMessage{Topic: "a", Payload: []byte("1")})
	b.Enqueue(bufferedMessage{Topic: "b", Payload: []byte("2")})
	b.Enqueue(bufferedMessage{Topic: "c", Payload: []byte("3")})

	drained := b.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(drained))
	}
	for i, want := range []string{"a", "b", "c"} {
		if drained[i].Topic != want {
			t.Fatalf("index %d: expected topic %q, got %q", i, want, drained[i].Topic)
		}
	}
}

func TestForwardBufferDiscardsOldestOnOverflow(t *testing.T) {
	b := newForwardBuffer(3)
	for i := 0; i < 5; i++ {
		b.Enqueue(bufferedMessage{Topic: string(rune('a' + i))})
	}
	if b.Len() != 3 {
		t.Fatalf("expected bounded length 3, got %d", b.Len())
	}
	if b.Discarded() != 2 {
		t.Fatalf("expected 2 discarded, got %d", b.Discarded())
	}

	drained := b.Drain()
	if drained[0].Topic != "c" {
		t.Fatalf("expected oldest-discard to leave 'c' first, got %q", drained[0].Topic)
	}
}

func TestForwardBufferDrainEmptiesBuffer(t *testing.T) {
	b := newForwardBuffer(10)
	b.Enqueue(bufferedMessage{Topic: "a"})
	b.Drain()
	if b.Len() != 0 {
		t.Fatalf("expected empty after drain, got %d", b.Len())
	}
}

func TestMarkFlushedInjectsField(t *testing.T) {
	out := markFlushed([]byte(`{"temperature":72.5}`))
	var obj map[string]interface{}
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := obj["_flushed"].(bool); !ok || !v {
		t.Fatalf("expected _flushed:true, got %+v", obj)
	}
	if obj["temperature"].(float64) != 72.5 {
		t.Fatalf("expected original fields preserved, got %+v", obj)
	}
}

func TestMarkFlushedLeavesNonObjectPayloadUnchanged(t *testing.T) {
	in := []byte("not json")
	out := markFlushed(in)
	if string(out) != string(in) {
		t.Fatalf("expected unchanged payload, got %q", out)
	}
}
