package main

import (
	"context"
	"testing"

	"github.com/lingomesh/lingomesh/pkg/config"
	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/providers"
	"github.com/lingomesh/lingomesh/pkg/providers/room"
	"github.com/lingomesh/lingomesh/pkg/session"
	"github.com/lingomesh/lingomesh/pkg/storage"
)

func TestServiceRegistryIntegration(t *testing.T) {
	// Setup test database
	store, err := storage.NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer store.Close()

	testLogger := logger.NewDefault("TEST")
	cfg := &config.Config{
		UserID:        "5",
		DisplayName:   "Tester",
		RoomID:        "room-test",
		SignalBackend: "sqlite",
		StunURLs:      []string{"stun:stun.l.google.com:19302"},
	}

	// Create service registry (no relay client needed for the sqlite backend)
	registry := providers.NewRegistry(store, testLogger, cfg, nil)

	if err := registry.Register(room.NewService()); err != nil {
		t.Fatalf("Failed to register room service: %v", err)
	}
	if err := registry.Register(room.NewService()); err == nil {
		t.Error("Expected duplicate registration to fail")
	}

	// Initialize all services
	ctx := context.Background()
	if err := registry.InitializeAll(ctx); err != nil {
		t.Fatalf("Failed to initialize services: %v", err)
	}

	// Test typed getter
	roomProvider, err := registry.GetRoom()
	if err != nil {
		t.Fatalf("Failed to get room provider: %v", err)
	}
	if len(roomProvider.ConnectionStatus()) != 0 {
		t.Error("Expected no peer sessions before start")
	}
	if err := roomProvider.CallPeer("2", "Ana"); err == nil {
		t.Error("Expected CallPeer to fail before the room is started")
	}

	// Start the room service and exercise the provider surface
	svc, err := registry.Get("room")
	if err != nil {
		t.Fatalf("Failed to get room service: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start room service: %v", err)
	}

	if err := roomProvider.CallPeer("2", "Ana"); err != session.ErrNoLocalMedia {
		t.Errorf("CallPeer without media = %v, want ErrNoLocalMedia", err)
	}
	if err := roomProvider.Leave(); err != nil {
		t.Errorf("Leave failed: %v", err)
	}

	if err := registry.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
