package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes(t *testing.T) {
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetGenerateTimeoutClampsNegative(t *testing.T) {
	t.Cleanup(func() { SetGenerateTimeout(0) })
	SetGenerateTimeout(-time.Second)
	if generateTimeout != 0 {
		t.Fatalf("expected 0, got %v", generateTimeout)
	}
	SetGenerateTimeout(3 * time.Second)
	if generateTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %v", generateTimeout)
	}
}

func TestCORSDefaults(t *testing.T) {
	t.Cleanup(func() { SetCORSOptions(false, nil, nil, nil) })
	SetCORSOptions(true, []string{"http://a"}, nil, nil)
	if len(corsMethods()) != 3 || corsHeaders()[0] != "Content-Type" {
		t.Fatalf("defaults not applied: %v %v", corsMethods(), corsHeaders())
	}
	SetCORSOptions(true, nil, []string{"GET"}, []string{"X-A"})
	if len(corsMethods()) != 1 || corsHeaders()[0] != "X-A" {
		t.Fatalf("overrides ignored")
	}
}
