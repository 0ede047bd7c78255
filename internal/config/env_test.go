package config

import "testing"

func TestLookupPrefixPrecedence(t *testing.T) {
	t.Setenv("SESSION", "bare")
	t.Setenv("RWP_SESSION", "prefixed")
	v, ok := Lookup("SESSION")
	if !ok || v != "prefixed" {
		t.Fatalf("expected prefixed value, got %q (%v)", v, ok)
	}
}

func TestLookupBareFallback(t *testing.T) {
	t.Setenv("TRANSPORT", "http")
	v, ok := Lookup("TRANSPORT")
	if !ok || v != "http" {
		t.Fatalf("expected bare value, got %q (%v)", v, ok)
	}
}

func TestLookupAnyOrder(t *testing.T) {
	t.Setenv("SERVER_URL", "wss://second.test")
	if v, _ := LookupAny("SERVER", "SERVER_URL"); v != "wss://second.test" {
		t.Fatalf("unexpected value %q", v)
	}
	t.Setenv("RWP_SERVER", "wss://first.test")
	if v, _ := LookupAny("SERVER", "SERVER_URL"); v != "wss://first.test" {
		t.Fatalf("prefix on earlier key must win, got %q", v)
	}
}

func TestGetBoolEnv(t *testing.T) {
	t.Setenv("RWP_INSECURE", "true")
	if !GetBoolEnv("INSECURE", false) {
		t.Fatal("expected true")
	}
	t.Setenv("RWP_INSECURE", "not-a-bool")
	if GetBoolEnv("INSECURE", false) {
		t.Fatal("expected fallback for invalid bool")
	}
}
