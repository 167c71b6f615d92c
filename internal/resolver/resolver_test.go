package resolver

import (
	"testing"
	"time"

	"github.com/haasonsaas/argus/internal/models"
)

func msg(role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func TestStatelessContinuation(t *testing.T) {
	r := New(Options{})

	s1, isNew := r.Resolve([]models.Message{msg("user", "Hi")}, "helpful")
	if !isNew {
		t.Fatal("first request should mint a new session")
	}

	s2, isNew := r.Resolve([]models.Message{
		msg("user", "Hi"),
		msg("assistant", "Hello"),
		msg("user", "How are you?"),
	}, "helpful")
	if isNew {
		t.Fatal("continuation treated as new")
	}
	if s2 != s1 {
		t.Fatalf("continuation resolved to %s, want %s", s2, s1)
	}

	s3, isNew := r.Resolve([]models.Message{
		msg("user", "Hi"),
		msg("assistant", "Hello"),
		msg("user", "How are you?"),
		msg("assistant", "Good"),
		msg("user", "Bye"),
	}, "helpful")
	if isNew || s3 != s1 {
		t.Fatalf("third turn resolved to (%s, new=%v), want (%s, false)", s3, isNew, s1)
	}

	// A parallel conversation gets its own id.
	s4, isNew := r.Resolve([]models.Message{msg("user", "What's math?")}, "helpful")
	if !isNew || s4 == s1 {
		t.Fatalf("parallel conversation got (%s, new=%v)", s4, isNew)
	}
}

func TestToolRoundTripKeepsSession(t *testing.T) {
	r := New(Options{})

	s1, _ := r.Resolve([]models.Message{msg("user", "What's the weather?")}, "")

	// Tool result follow-up: no new user message in this request.
	s2, isNew := r.Resolve([]models.Message{
		msg("user", "What's the weather?"),
		msg("assistant", ""),
		msg("tool", "Sunny, 75°F"),
	}, "")
	if isNew || s2 != s1 {
		t.Fatalf("tool round-trip resolved to (%s, new=%v), want (%s, false)", s2, isNew, s1)
	}

	// Conversation continues past the tool turn.
	s3, isNew := r.Resolve([]models.Message{
		msg("user", "What's the weather?"),
		msg("assistant", ""),
		msg("tool", "Sunny, 75°F"),
		msg("assistant", "It's sunny and 75."),
		msg("user", "Thanks!"),
	}, "")
	if isNew || s3 != s1 {
		t.Fatalf("post-tool turn resolved to (%s, new=%v), want (%s, false)", s3, isNew, s1)
	}
}

func TestSignatureIsPureFunctionOfHistory(t *testing.T) {
	history := []models.Message{
		msg("user", "Hi"),
		msg("assistant", "Hello"),
	}
	if Signature(history, "sys") != Signature(history, "sys") {
		t.Error("signature not deterministic")
	}
	if Signature(history, "sys") == Signature(history, "other") {
		t.Error("system prompt not part of the signature")
	}
}

func TestSignatureBoundsContentLength(t *testing.T) {
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'a'
	}
	a := Signature([]models.Message{msg("user", string(long))}, "")
	b := Signature([]models.Message{msg("user", string(long) + "tail beyond the prefix")}, "")
	if a != b {
		t.Error("content beyond the 100-char prefix changed the signature")
	}
}

func TestDifferentSystemPromptsSplitSessions(t *testing.T) {
	r := New(Options{})
	s1, _ := r.Resolve([]models.Message{msg("user", "Hi")}, "prompt A")
	s2, _ := r.Resolve([]models.Message{msg("user", "Hi")}, "prompt B")
	if s1 == s2 {
		t.Error("distinct system prompts shared a session")
	}
}

func TestTTLExpiry(t *testing.T) {
	r := New(Options{TTL: time.Minute})
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })

	s1, _ := r.Resolve([]models.Message{msg("user", "Hi")}, "")

	// Advance past the TTL; the continuation must become a new session.
	r.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	s2, isNew := r.Resolve([]models.Message{
		msg("user", "Hi"),
		msg("assistant", "Hello"),
		msg("user", "Still there?"),
	}, "")
	if !isNew || s2 == s1 {
		t.Fatalf("expired session not evicted: (%s, new=%v)", s2, isNew)
	}

	stats := r.Stats()
	if stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1", stats.Expired)
	}
}

func TestLRUEviction(t *testing.T) {
	r := New(Options{MaxSessions: 2})

	r.Resolve([]models.Message{msg("user", "one")}, "")
	r.Resolve([]models.Message{msg("user", "two")}, "")
	r.Resolve([]models.Message{msg("user", "three")}, "")

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2 after eviction", r.Len())
	}

	// The oldest ("one") was evicted; continuing it mints a new session.
	_, isNew := r.Resolve([]models.Message{
		msg("user", "one"),
		msg("assistant", "reply"),
		msg("user", "more"),
	}, "")
	if !isNew {
		t.Error("evicted session should not be continued")
	}
}

func TestStatsCounters(t *testing.T) {
	r := New(Options{})
	r.Resolve([]models.Message{msg("user", "Hi")}, "")
	r.Resolve([]models.Message{
		msg("user", "Hi"),
		msg("assistant", "Hello"),
		msg("user", "More"),
	}, "")
	r.Resolve([]models.Message{
		msg("user", "unknown"),
		msg("assistant", "?"),
		msg("user", "history"),
	}, "")

	stats := r.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.CacheHits)
	}
	if stats.CacheMiss != 1 {
		t.Errorf("CacheMiss = %d, want 1", stats.CacheMiss)
	}
	if stats.Created != 2 {
		t.Errorf("Created = %d, want 2", stats.Created)
	}
}
