package api

import (
	"context"
	"errors"

	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"

	"github.com/flotilla-ml/flotilla/coordinator"
	pkgerrors "github.com/flotilla-ml/flotilla/pkg/errors"
)

func createSessionEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(sessionReq)
		if !ok {
			return sessionResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return sessionResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		session, err := svc.CreateSession(ctx, req.SessionRequest)
		if err != nil {
			return sessionResponse{}, err
		}

		return sessionResponse{
			Session: session,
			created: true,
		}, nil
	}
}

func getSessionEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return sessionResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return sessionResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		session, err := svc.GetSession(ctx, req.id)
		if err != nil {
			return sessionResponse{}, err
		}

		return sessionResponse{
			Session: session,
		}, nil
	}
}

func listSessionsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		if _, ok := request.(listEntityReq); !ok {
			return listSessionResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}

		sessions, err := svc.ListSessions(ctx)
		if err != nil {
			return listSessionResponse{}, err
		}

		return listSessionResponse{
			Sessions: sessions,
			Total:    len(sessions),
		}, nil
	}
}

func transitionEndpoint(svc coordinator.Service, op func(coordinator.Service, context.Context, string) error) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return transitionResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return transitionResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := op(svc, ctx, req.id); err != nil {
			return transitionResponse{}, err
		}

		return transitionResponse{accepted: true}, nil
	}
}

func sessionResultEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return resultResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return resultResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		result, err := svc.SessionResult(ctx, req.id)
		if err != nil {
			return resultResponse{}, err
		}

		return resultResponse{
			Result: result,
		}, nil
	}
}

func listParticipantsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		if _, ok := request.(listEntityReq); !ok {
			return participantsResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}

		participants, err := svc.ListParticipants(ctx)
		if err != nil {
			return participantsResponse{}, err
		}

		return participantsResponse{
			Participants: participants,
			Total:        len(participants),
		}, nil
	}
}

func listCheckpointsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return checkpointsResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return checkpointsResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		cps, err := svc.ListCheckpoints(ctx, req.id)
		if err != nil {
			return checkpointsResponse{}, err
		}

		return checkpointsResponse{
			Checkpoints: cps,
			Total:       len(cps),
		}, nil
	}
}

func restoreCheckpointEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(checkpointReq)
		if !ok {
			return transitionResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return transitionResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.RestoreCheckpoint(ctx, req.id, req.checkpointID); err != nil {
			return transitionResponse{}, err
		}

		return transitionResponse{}, nil
	}
}
