package pause

import (
	"testing"

	"mvault/storage"
)

func TestRegistryGlobalPause(t *testing.T) {
	registry := NewRegistry(storage.NewKVStore(storage.NewMemDB()))
	if registry.IsPaused() {
		t.Fatalf("paused before SetPaused")
	}
	if err := registry.SetPaused(true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !registry.IsPaused() {
		t.Fatalf("expected paused")
	}
	if err := registry.SetPaused(false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if registry.IsPaused() {
		t.Fatalf("pause survived reset")
	}
}

func TestRegistryFunctionPause(t *testing.T) {
	registry := NewRegistry(storage.NewKVStore(storage.NewMemDB()))
	if err := registry.SetFunctionPaused("deposit_instant", true); err != nil {
		t.Fatalf("pause function: %v", err)
	}
	if !registry.IsFunctionPaused("deposit_instant") {
		t.Fatalf("expected function paused")
	}
	if registry.IsFunctionPaused("redeem_instant") {
		t.Fatalf("unrelated function paused")
	}
	if registry.IsPaused() {
		t.Fatalf("function pause engaged global switch")
	}
	if err := registry.SetFunctionPaused("", true); err == nil {
		t.Fatalf("expected selector validation error")
	}
}
