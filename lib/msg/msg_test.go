package msg

import (
	"testing"
)

func TestSealVerify(t *testing.T) {
	key := []byte("shared-key")
	body := []byte(`{"service":"eth","height":7}`)

	e := Seal(key, body)

	if !Verify(key, e) {
		t.Error("sealed envelope should verify")
	}

	if Verify([]byte("other-key"), e) {
		t.Error("envelope should not verify under a different key")
	}

	e.Message = []byte(`{"service":"eth","height":8}`)
	if Verify(key, e) {
		t.Error("tampered envelope should not verify")
	}
}

func TestSignDeterministic(t *testing.T) {
	key := []byte("k")

	if Sign(key, []byte("a")) != Sign(key, []byte("a")) {
		t.Error("signature must be deterministic")
	}

	if Sign(key, []byte("a")) == Sign(key, []byte("b")) {
		t.Error("different messages must not collide")
	}
}
