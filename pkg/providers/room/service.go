// Package room hosts the study-room call core as a registry service: it
// picks the signaling backend, builds the per-room orchestrator and exposes
// the room over the control API.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pion/webrtc/v4"

	"github.com/lingomesh/lingomesh/pkg/api"
	"github.com/lingomesh/lingomesh/pkg/config"
	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/providers"
	"github.com/lingomesh/lingomesh/pkg/relay"
	"github.com/lingomesh/lingomesh/pkg/session"
	"github.com/lingomesh/lingomesh/pkg/signal"
	"github.com/lingomesh/lingomesh/pkg/signal/redisstore"
	"github.com/lingomesh/lingomesh/pkg/signal/sqlitestore"
)

const turnRequestTimeout = 5 * time.Second

// Service implements providers.Service for the study room.
type Service struct {
	registry *providers.Registry
	log      *logger.Logger
	cfg      *config.Config

	store      signal.Store
	closeStore func()
	relayStore *relay.Store // nil unless the relay backend is active

	orch *session.Orchestrator
}

// NewService creates the room service. Wiring happens in Initialize.
func NewService() *Service {
	return &Service{}
}

// Name returns the service name
func (s *Service) Name() string {
	return "room"
}

// Initialize picks the signaling backend from config and wires the
// membership feed when the relay provides one.
func (s *Service) Initialize(_ context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.log = registry.Logger()
	s.cfg = registry.Config()

	switch s.cfg.SignalBackend {
	case "relay":
		client := registry.RelayClient()
		if client == nil {
			return fmt.Errorf("signal_backend is relay but no relay client is configured")
		}
		store := relay.NewStore(client)
		s.relayStore = store
		s.store = store
		s.closeStore = store.Close

		store.OnParticipantJoined(func(p relay.Participant) {
			if err := s.participantJoined(p.UserID, p.DisplayName); err != nil {
				s.log.Warn("[Room] Join for %s failed: %v", p.UserID, err)
			}
		})
		store.OnParticipantLeft(func(userID string) {
			s.participantLeft(userID)
		})
		store.OnParticipants(func(roster []relay.Participant) {
			for _, p := range roster {
				if err := s.participantJoined(p.UserID, p.DisplayName); err != nil {
					s.log.Warn("[Room] Roster entry %s failed: %v", p.UserID, err)
				}
			}
		})

	case "redis":
		store, err := redisstore.New(s.cfg.RedisAddr, "", 0, s.log)
		if err != nil {
			return fmt.Errorf("failed to connect redis signaling store: %w", err)
		}
		s.store = store
		s.closeStore = func() { store.Close() }

	case "sqlite":
		store := sqlitestore.New(registry.DB().SignalRepo())
		s.store = store
		s.closeStore = store.Close

	default:
		return fmt.Errorf("unknown signal_backend %q", s.cfg.SignalBackend)
	}

	s.log.Info("[Room] Initialized with %s signaling backend", s.cfg.SignalBackend)
	return nil
}

func (s *Service) IsRunnable() bool {
	return true
}

// Start joins the configured room: builds the transport factory from the
// ICE configuration, drains the mailbox and follows the live feed.
func (s *Service) Start(ctx context.Context) error {
	factory := session.NewWebRTCTransportFactory(s.iceConfiguration(ctx))

	orch := session.NewOrchestrator(session.RoomIdentity{
		RoomID:           s.cfg.RoomID,
		LocalUserID:      s.cfg.UserID,
		LocalDisplayName: s.cfg.DisplayName,
	}, s.store, factory, s.log)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start room orchestrator: %w", err)
	}
	s.orch = orch
	return nil
}

// iceConfiguration assembles STUN servers from config plus TURN credentials
// from the relay when available. A failed TURN request degrades to STUN-only.
func (s *Service) iceConfiguration(ctx context.Context) webrtc.Configuration {
	servers := []webrtc.ICEServer{{URLs: s.cfg.StunURLs}}

	if s.relayStore != nil && !s.cfg.DisableTURN {
		reqCtx, cancel := context.WithTimeout(ctx, turnRequestTimeout)
		creds, err := s.relayStore.RequestTURNCredentials(reqCtx)
		cancel()
		if err != nil {
			s.log.Warn("[Room] TURN credentials unavailable, continuing with STUN only: %v", err)
		} else {
			servers = append(servers, webrtc.ICEServer{
				URLs:       creds.URLs,
				Username:   creds.Username,
				Credential: creds.Credential,
			})
		}
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (s *Service) participantJoined(userID, displayName string) error {
	if s.orch == nil {
		return nil
	}
	return s.orch.HandleParticipantJoined(userID, displayName)
}

func (s *Service) participantLeft(userID string) {
	if s.orch == nil {
		return
	}
	s.orch.HandleParticipantLeft(userID)
}

// Orchestrator exposes the room core to the embedding application, which
// owns media capture and needs UpdateLocalMedia and RemoteStreams.
func (s *Service) Orchestrator() *session.Orchestrator {
	return s.orch
}

// ConnectionStatus reports the connection state of every peer session.
func (s *Service) ConnectionStatus() map[string]session.State {
	if s.orch == nil {
		return map[string]session.State{}
	}
	return s.orch.ConnectionStatus()
}

// RemoteStreams reports every peer and the media it currently sends.
func (s *Service) RemoteStreams() map[string]session.RemoteStream {
	if s.orch == nil {
		return map[string]session.RemoteStream{}
	}
	return s.orch.RemoteStreams()
}

// CallPeer explicitly dials a room participant.
func (s *Service) CallPeer(userID, displayName string) error {
	if s.orch == nil {
		return fmt.Errorf("room not started")
	}
	return s.orch.CallParticipant(userID, displayName)
}

// DropPeer closes the session to one participant.
func (s *Service) DropPeer(userID string) {
	if s.orch == nil {
		return
	}
	s.orch.HandleParticipantLeft(userID)
}

// Leave tears the whole room down and clears any locally queued signaling
// for it, so stale offers never greet the next session.
func (s *Service) Leave() error {
	if s.orch != nil {
		s.orch.Teardown()
		s.orch = nil
	}
	if s.cfg.SignalBackend == "sqlite" {
		if err := s.registry.DB().SignalRepo().ClearRoom(s.cfg.RoomID); err != nil {
			return fmt.Errorf("failed to clear room mailbox: %w", err)
		}
	}
	return nil
}

// Stop shuts the room service down.
func (s *Service) Stop(_ context.Context) error {
	if s.orch != nil {
		s.orch.Teardown()
		s.orch = nil
	}
	if s.closeStore != nil {
		s.closeStore()
		s.closeStore = nil
	}
	s.log.Info("[Room] Stopped")
	return nil
}

// RegisterAPIRoutes adds the room control endpoints.
func (s *Service) RegisterAPIRoutes(app *fiber.App) error {
	roomAPI := app.Group("/api/room")

	// GET /api/room/peers - list peers with connection state
	roomAPI.Get("/peers", func(c *fiber.Ctx) error {
		status := s.ConnectionStatus()
		streams := s.RemoteStreams()

		peers := make([]fiber.Map, 0, len(status))
		for id, state := range status {
			peers = append(peers, fiber.Map{
				"userId":      id,
				"displayName": streams[id].DisplayName,
				"state":       state.String(),
				"trackCount":  len(streams[id].Tracks),
			})
		}
		return api.SuccessResp(c, fiber.Map{"peers": peers})
	})

	// GET /api/room/peers/:id - one peer's connection state
	roomAPI.Get("/peers/:id", func(c *fiber.Ctx) error {
		id := c.Params("id")
		state, ok := s.ConnectionStatus()[id]
		if !ok {
			return api.ErrorNotFoundResp(c, "no session for peer "+id)
		}
		stream := s.RemoteStreams()[id]
		return api.SuccessResp(c, fiber.Map{
			"userId":      id,
			"displayName": stream.DisplayName,
			"state":       state.String(),
			"trackCount":  len(stream.Tracks),
		})
	})

	// POST /api/room/peers/:id/call - dial a participant
	roomAPI.Post("/peers/:id/call", func(c *fiber.Ctx) error {
		id := c.Params("id")
		var body struct {
			DisplayName string `json:"displayName"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return api.ErrorBadRequestResp(c, "invalid request body")
			}
		}
		if err := s.CallPeer(id, body.DisplayName); err != nil {
			return api.ErrorBadRequestResp(c, err.Error())
		}
		return api.SuccessResp(c, fiber.Map{"userId": id})
	})

	// DELETE /api/room/peers/:id - hang up on a participant
	roomAPI.Delete("/peers/:id", func(c *fiber.Ctx) error {
		s.DropPeer(c.Params("id"))
		return api.SuccessResp(c, fiber.Map{"userId": c.Params("id")})
	})

	// POST /api/room/leave - leave the room entirely
	roomAPI.Post("/leave", func(c *fiber.Ctx) error {
		if err := s.Leave(); err != nil {
			return api.ErrorInternalServerErrorResp(c, err.Error())
		}
		return api.SuccessResp(c, fiber.Map{"roomId": s.cfg.RoomID})
	})

	return nil
}
