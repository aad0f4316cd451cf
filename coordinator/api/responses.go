package api

import (
	"net/http"

	"github.com/absmach/supermq"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

var (
	_ supermq.Response = (*sessionResponse)(nil)
	_ supermq.Response = (*listSessionResponse)(nil)
	_ supermq.Response = (*resultResponse)(nil)
	_ supermq.Response = (*participantsResponse)(nil)
	_ supermq.Response = (*checkpointsResponse)(nil)
	_ supermq.Response = (*transitionResponse)(nil)
)

type sessionResponse struct {
	coordinator.Session
	created bool
}

func (s sessionResponse) Code() int {
	if s.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

func (s sessionResponse) Headers() map[string]string {
	if s.created {
		return map[string]string{
			"Location": "/sessions/" + s.ID,
		}
	}

	return map[string]string{}
}

func (s sessionResponse) Empty() bool {
	return false
}

type listSessionResponse struct {
	Sessions []coordinator.Session `json:"sessions"`
	Total    int                   `json:"total"`
}

func (l listSessionResponse) Code() int {
	return http.StatusOK
}

func (l listSessionResponse) Headers() map[string]string {
	return map[string]string{}
}

func (l listSessionResponse) Empty() bool {
	return false
}

type resultResponse struct {
	coordinator.Result
}

func (r resultResponse) Code() int {
	return http.StatusOK
}

func (r resultResponse) Headers() map[string]string {
	return map[string]string{}
}

func (r resultResponse) Empty() bool {
	return false
}

type participantsResponse struct {
	Participants []participant.Participant `json:"participants"`
	Total        int                       `json:"total"`
}

func (p participantsResponse) Code() int {
	return http.StatusOK
}

func (p participantsResponse) Headers() map[string]string {
	return map[string]string{}
}

func (p participantsResponse) Empty() bool {
	return false
}

type checkpointsResponse struct {
	Checkpoints []model.Checkpoint `json:"checkpoints"`
	Total       int                `json:"total"`
}

func (c checkpointsResponse) Code() int {
	return http.StatusOK
}

func (c checkpointsResponse) Headers() map[string]string {
	return map[string]string{}
}

func (c checkpointsResponse) Empty() bool {
	return false
}

// transitionResponse acknowledges start/pause/resume/stop/restore calls.
type transitionResponse struct {
	accepted bool
}

func (t transitionResponse) Code() int {
	if t.accepted {
		return http.StatusAccepted
	}

	return http.StatusOK
}

func (t transitionResponse) Headers() map[string]string {
	return map[string]string{}
}

func (t transitionResponse) Empty() bool {
	return true
}
