package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/pkg/api"
)

func MakeHandler(svc coordinator.Service, logger *slog.Logger, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Route("/sessions", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			createSessionEndpoint(svc),
			decodeSessionReq,
			api.EncodeResponse,
			opts...,
		), "create-session").ServeHTTP)
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listSessionsEndpoint(svc),
			decodeListEntityReq,
			api.EncodeResponse,
			opts...,
		), "list-sessions").ServeHTTP)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getSessionEndpoint(svc),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "get-session").ServeHTTP)
			r.Post("/start", otelhttp.NewHandler(kithttp.NewServer(
				transitionEndpoint(svc, coordinator.Service.StartSession),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "start-session").ServeHTTP)
			r.Post("/pause", otelhttp.NewHandler(kithttp.NewServer(
				transitionEndpoint(svc, coordinator.Service.PauseSession),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "pause-session").ServeHTTP)
			r.Post("/resume", otelhttp.NewHandler(kithttp.NewServer(
				transitionEndpoint(svc, coordinator.Service.ResumeSession),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "resume-session").ServeHTTP)
			r.Post("/stop", otelhttp.NewHandler(kithttp.NewServer(
				transitionEndpoint(svc, coordinator.Service.StopSession),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "stop-session").ServeHTTP)
			r.Get("/result", otelhttp.NewHandler(kithttp.NewServer(
				sessionResultEndpoint(svc),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "get-session-result").ServeHTTP)
			r.Get("/checkpoints", otelhttp.NewHandler(kithttp.NewServer(
				listCheckpointsEndpoint(svc),
				decodeEntityReq("sessionID"),
				api.EncodeResponse,
				opts...,
			), "list-checkpoints").ServeHTTP)
			r.Post("/checkpoints/{checkpointID}/restore", otelhttp.NewHandler(kithttp.NewServer(
				restoreCheckpointEndpoint(svc),
				decodeCheckpointReq,
				api.EncodeResponse,
				opts...,
			), "restore-checkpoint").ServeHTTP)
		})
	})

	mux.Get("/participants", otelhttp.NewHandler(kithttp.NewServer(
		listParticipantsEndpoint(svc),
		decodeListEntityReq,
		api.EncodeResponse,
		opts...,
	), "list-participants").ServeHTTP)

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeSessionReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req sessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeEntityReq(key string) kithttp.DecodeRequestFunc {
	return func(_ context.Context, r *http.Request) (any, error) {
		return entityReq{
			id: chi.URLParam(r, key),
		}, nil
	}
}

func decodeCheckpointReq(_ context.Context, r *http.Request) (any, error) {
	return checkpointReq{
		id:           chi.URLParam(r, "sessionID"),
		checkpointID: chi.URLParam(r, "checkpointID"),
	}, nil
}

func decodeListEntityReq(_ context.Context, _ *http.Request) (any, error) {
	return listEntityReq{}, nil
}
