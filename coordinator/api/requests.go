package api

import (
	apiutil "github.com/absmach/supermq/api/http/util"

	"github.com/flotilla-ml/flotilla/coordinator"
	pkgerrors "github.com/flotilla-ml/flotilla/pkg/errors"
)

type sessionReq struct {
	coordinator.SessionRequest `json:",inline"`
}

func (s *sessionReq) validate() error {
	if len(s.Architecture.Layers) == 0 {
		return pkgerrors.ErrInvalidConfig
	}
	if s.Training.TotalRounds <= 0 {
		return pkgerrors.ErrInvalidConfig
	}

	return nil
}

type entityReq struct {
	id string
}

func (e *entityReq) validate() error {
	if e.id == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type checkpointReq struct {
	id           string
	checkpointID string
}

func (c *checkpointReq) validate() error {
	if c.id == "" || c.checkpointID == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type listEntityReq struct{}

func (e *listEntityReq) validate() error {
	return nil
}
