package idempotency

import "testing"

func TestTaskIDStableAndUnambiguous(t *testing.T) {
	secret := []byte("test-secret")

	a := TaskID(secret, "K1", "primary")
	b := TaskID(secret, "K1", "primary")
	if a != b {
		t.Fatalf("expected stable task id, got %q and %q", a, b)
	}

	// Different account -> different task id, even for the same key.
	c := TaskID(secret, "K1", "backup")
	if a == c {
		t.Fatalf("expected different task id for different account")
	}

	// Concatenation ambiguity: "ab"+"c" must differ from "a"+"bc".
	d := TaskID(secret, "ab", "c")
	e := TaskID(secret, "a", "bc")
	if d == e {
		t.Fatalf("expected separator to prevent concatenation collisions")
	}
}
