package indieauth

import (
	"encoding/base64"
	"testing"
)

func TestGenerateState(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := GenerateState()
		if err != nil {
			t.Fatal(err)
		}
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			t.Fatalf("state %q is not base64url: %v", s, err)
		}
		if len(b) != stateLength {
			t.Fatalf("state has %d bytes, want %d", len(b), stateLength)
		}
		if seen[s] {
			t.Fatalf("duplicate state %q", s)
		}
		seen[s] = true
	}
}

func TestValidateState(t *testing.T) {
	s, _ := GenerateState()
	if !ValidateState(s, s) {
		t.Error("matching state rejected")
	}
	if ValidateState(s, s[:len(s)-1]) {
		t.Error("truncated state accepted")
	}
	if ValidateState(s, "") {
		t.Error("empty received state accepted")
	}
	if ValidateState("", "") {
		t.Error("empty expected state accepted")
	}
}

func TestCredentialStore(t *testing.T) {
	sess := newMemSession()
	store := CredentialStore{Session: sess}
	if _, ok := store.Get(); ok {
		t.Fatal("empty session reported signed in")
	}
	if err := store.Set(&SessionCredential{Identity: "https://alice.example/"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get(); ok {
		t.Error("credential without token reported signed in")
	}
	want := &SessionCredential{Identity: "https://alice.example/", Token: "tok", ResourceEndpoint: "https://alice.example/mp"}
	if err := store.Set(want); err != nil {
		t.Fatal(err)
	}
	got, ok := store.Get()
	if !ok || *got != *want {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	store.Clear()
	if _, ok := store.Get(); ok {
		t.Error("credential survived Clear")
	}
	if _, ok := (CredentialStore{}).Get(); ok {
		t.Error("nil session reported signed in")
	}
}
