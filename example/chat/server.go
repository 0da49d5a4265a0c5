package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/jonoton/go-backplane"
)

type server struct {
	// ctx outlives every request; cancelling it closes all sockets.
	ctx        context.Context
	hub        backplane.Backplane
	serverName string
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

func newServer(ctx context.Context, hub *backplane.Hub, log zerolog.Logger) *server {
	return &server{
		ctx:        ctx,
		hub:        hub,
		serverName: hub.ServerName(),
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // demo only
			},
		},
	}
}

func (s *server) routes() *httprouter.Router {
	r := httprouter.New()
	r.GET("/hub", s.handleHub)
	r.GET("/healthz", s.handleHealth)
	return r
}

func (s *server) handleHub(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), r.URL.Query().Get("user"), s.hub, conn, s.log)
	stop := context.AfterFunc(s.ctx, c.close)
	defer stop()

	if err := s.hub.OnConnect(s.ctx, c); err != nil {
		c.log.Error().Err(err).Msg("registering connection failed")
		c.close()
		if err := s.hub.OnDisconnect(s.ctx, c); err != nil {
			c.log.Debug().Err(err).Msg("cleanup after failed connect")
		}
		return
	}
	c.log.Info().Msg("client connected")
	c.reply(s.ctx, "welcome", c.id)

	go c.writePump()
	c.readPump(s.ctx)
	c.log.Info().Msg("client disconnected")
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"server": s.serverName,
	})
}
