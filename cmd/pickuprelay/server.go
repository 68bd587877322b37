package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pickuprelay/internal/constants"
	"pickuprelay/internal/errors"
	"pickuprelay/internal/middleware"
	"pickuprelay/internal/models"
	"pickuprelay/internal/privacy"
	"pickuprelay/internal/protocol"
	"pickuprelay/internal/queue"
	"pickuprelay/internal/transport"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg      *models.Config
	router   *mux.Router
	logger   *logrus.Logger
	queue    queue.UndeliveredQueue
	registry *transport.Registry
	handler  *protocol.Handler
	server   *http.Server
}

func NewServer(cfg *models.Config, q queue.UndeliveredQueue, logger *logrus.Logger) *Server {
	registry := transport.NewRegistry(logger)
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		queue:    q,
		registry: registry,
		handler:  protocol.NewHandler(q, registry, nil, logger),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// Forward intake: mediators queue messages here for later pickup.
	s.router.HandleFunc("/messages", s.handleEnqueue()).Methods(http.MethodPost)

	// Pickup: recipients connect here and speak messagepickup/2.0.
	s.router.HandleFunc("/ws", s.handlePickupSocket()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// enqueueRequest is one message handed to the relay for a recipient.
type enqueueRequest struct {
	RecipientKey string `json:"recipient_key"`
	Payload      string `json:"payload"`
}

type enqueueResponse struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.RecipientKey == "" {
			http.Error(w, "recipient_key is required", http.StatusBadRequest)
			return
		}
		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil || len(payload) == 0 {
			http.Error(w, "payload must be non-empty base64", http.StatusBadRequest)
			return
		}

		if err := s.queue.AddMessage(r.Context(), req.RecipientKey, payload); err != nil {
			s.logger.WithError(err).WithField("recipient_key", privacy.MaskRecipientKey(req.RecipientKey)).
				Error("Failed to queue message")
			http.Error(w, "failed to queue message", http.StatusServiceUnavailable)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"recipient_key": privacy.MaskRecipientKey(req.RecipientKey),
			"size":          len(payload),
		}).Debug("Queued message for pickup")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		s.writeJSON(w, enqueueResponse{MessageID: queue.MessageIdent(payload)})
	}
}

func (s *Server) handlePickupSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := r.URL.Query()["recipient_key"]
		if len(keys) == 0 {
			http.Error(w, "recipient_key query parameter is required", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Clients are agents, not browsers; origin checks do not apply.
			InsecureSkipVerify: true,
		})
		if err != nil {
			s.logger.WithError(err).Warn("WebSocket accept failed")
			return
		}

		writeTimeout := time.Duration(s.cfg.Server.SessionWriteTimeoutMs) * time.Millisecond
		session := transport.NewWebSocketSession(conn, keys, writeTimeout)
		s.registry.Register(session)
		defer func() {
			s.registry.Unregister(session)
			_ = session.Close()
		}()

		s.logger.WithField("recipient_key", privacy.MaskRecipientKey(keys[0])).
			Info("Pickup session opened")

		s.serveSession(r.Context(), conn, session, keys[0])

		s.logger.WithField("recipient_key", privacy.MaskRecipientKey(keys[0])).
			Info("Pickup session closed")
	}
}

// serveSession reads protocol messages off the socket until it closes.
// Protocol violations are reported on the socket; the session stays open.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, session *transport.WebSocketSession, senderKey string) {
	receipt := protocol.Receipt{SenderKey: senderKey}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.WithError(err).Debug("Discarding unparseable frame")
			if sendErr := session.Send(ctx, protocol.NewProblemReport("", "invalid message encoding")); sendErr != nil {
				return
			}
			continue
		}

		resp, err := s.handler.Handle(ctx, receipt, &req)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"type":  req.Type,
				"error": err,
			}).Warn("Pickup request rejected")
			if sendErr := session.Send(ctx, protocol.NewProblemReport(req.ThreadID(), errorReason(err))); sendErr != nil {
				return
			}
			continue
		}
		if resp == nil {
			continue
		}
		if err := session.Send(ctx, resp); err != nil {
			s.logger.WithError(err).Warn("Failed to write pickup reply")
			return
		}
	}
}

func errorReason(err error) string {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.Message
	}
	return "request could not be processed"
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
