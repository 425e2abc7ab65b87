package wa

import (
	"fmt"
	"testing"
)

func TestDeduplicator(t *testing.T) {
	t.Run("exactly once per id", func(t *testing.T) {
		d := NewDeduplicator(100)

		if !d.ShouldProcess("msg-1") {
			t.Fatal("first delivery should be processed")
		}
		if d.ShouldProcess("msg-1") {
			t.Fatal("second delivery of the same id should be dropped")
		}
	})

	t.Run("empty id is never processed", func(t *testing.T) {
		d := NewDeduplicator(100)
		if d.ShouldProcess("") {
			t.Fatal("empty id should be dropped")
		}
	})

	t.Run("window stays bounded at 2x capacity", func(t *testing.T) {
		d := NewDeduplicator(100)

		for i := 0; i < 1000; i++ {
			d.ShouldProcess(fmt.Sprintf("msg-%d", i))
			if d.Len() > 200 {
				t.Fatalf("seen set grew to %d, want <= 200", d.Len())
			}
		}
	})

	t.Run("trim keeps the most recent ids", func(t *testing.T) {
		d := NewDeduplicator(100)

		// Push past the 2x threshold to force a trim.
		for i := 0; i <= 200; i++ {
			d.ShouldProcess(fmt.Sprintf("msg-%d", i))
		}
		if d.Len() != 100 {
			t.Fatalf("after trim Len() = %d, want 100", d.Len())
		}

		// Recent ids are still deduplicated.
		if d.ShouldProcess("msg-200") {
			t.Fatal("recent id should still be tracked after trim")
		}
		// Old ids cycled out and would be re-accepted; that is the
		// documented approximation.
		if !d.ShouldProcess("msg-0") {
			t.Fatal("trimmed id should be re-accepted")
		}
	})
}

func TestMessageBuffer(t *testing.T) {
	t.Run("holds at most capacity, most recent kept", func(t *testing.T) {
		b := NewMessageBuffer(100)

		for i := 0; i < 250; i++ {
			b.Push(BufferedMessage{ID: fmt.Sprintf("msg-%d", i), Body: "x"})
		}
		if b.Len() != 100 {
			t.Fatalf("Len() = %d, want 100", b.Len())
		}

		got := b.Query("", 100)
		if len(got) != 100 {
			t.Fatalf("Query returned %d entries, want 100", len(got))
		}
		if got[0].ID != "msg-249" {
			t.Errorf("newest entry = %s, want msg-249", got[0].ID)
		}
		if got[99].ID != "msg-150" {
			t.Errorf("oldest entry = %s, want msg-150", got[99].ID)
		}
	})

	t.Run("eviction releases voice payload", func(t *testing.T) {
		b := NewMessageBuffer(2)
		b.Push(BufferedMessage{ID: "a", IsVoice: true, VoicePayload: []byte{1, 2, 3}})
		b.Push(BufferedMessage{ID: "b"})
		b.Push(BufferedMessage{ID: "c"}) // evicts a

		if payload, _ := b.TakeVoicePayload("a"); payload != nil {
			t.Fatal("evicted entry should have released its payload")
		}
	})

	t.Run("take voice payload consumes it", func(t *testing.T) {
		b := NewMessageBuffer(10)
		b.Push(BufferedMessage{ID: "v", IsVoice: true, VoicePayload: []byte{9}, VoiceMimeType: "audio/ogg"})

		payload, mime := b.TakeVoicePayload("v")
		if len(payload) != 1 || mime != "audio/ogg" {
			t.Fatalf("TakeVoicePayload = (%v, %q)", payload, mime)
		}
		if again, _ := b.TakeVoicePayload("v"); again != nil {
			t.Fatal("payload should only be taken once")
		}
	})

	t.Run("query filters by phone digits substring", func(t *testing.T) {
		b := NewMessageBuffer(10)
		b.Push(BufferedMessage{ID: "1", From: "5511999990000@s.whatsapp.net", To: "me"})
		b.Push(BufferedMessage{ID: "2", From: "4470001112222@s.whatsapp.net", To: "me"})

		got := b.Query("+55 11 99999-0000", 10)
		if len(got) != 1 || got[0].ID != "1" {
			t.Fatalf("digit filter matched %v", got)
		}
	})

	t.Run("query matches group ids exactly", func(t *testing.T) {
		b := NewMessageBuffer(10)
		b.Push(BufferedMessage{ID: "1", From: "555@s.whatsapp.net", To: "12036302@g.us", IsGroup: true})
		b.Push(BufferedMessage{ID: "2", From: "555@s.whatsapp.net", To: "9912036302@g.us", IsGroup: true})

		got := b.Query("12036302@g.us", 10)
		if len(got) != 1 || got[0].ID != "1" {
			t.Fatalf("group filter matched %v", got)
		}
	})

	t.Run("dashed legacy group id still matches exactly", func(t *testing.T) {
		b := NewMessageBuffer(10)
		b.Push(BufferedMessage{ID: "1", From: "555@s.whatsapp.net", To: "5511000-163234@g.us", IsGroup: true})
		b.Push(BufferedMessage{ID: "2", From: "555@s.whatsapp.net", To: "me"})

		got := b.Query("5511000-163234@g.us", 10)
		if len(got) != 1 || got[0].ID != "1" {
			t.Fatalf("legacy group filter matched %v", got)
		}
	})

	t.Run("limit caps the result", func(t *testing.T) {
		b := NewMessageBuffer(10)
		for i := 0; i < 10; i++ {
			b.Push(BufferedMessage{ID: fmt.Sprintf("m%d", i)})
		}
		if got := b.Query("", 3); len(got) != 3 {
			t.Fatalf("Query limit 3 returned %d", len(got))
		}
	})
}
