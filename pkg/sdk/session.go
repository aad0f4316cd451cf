package sdk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

const sessionsEndpoint = "sessions"

type sessionsPage struct {
	Sessions []coordinator.Session `json:"sessions"`
	Total    int                   `json:"total"`
}

type participantsPage struct {
	Participants []participant.Participant `json:"participants"`
	Total        int                       `json:"total"`
}

type checkpointsPage struct {
	Checkpoints []model.Checkpoint `json:"checkpoints"`
	Total       int                `json:"total"`
}

func (sdk *flotillaSDK) CreateSession(req coordinator.SessionRequest) (coordinator.Session, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return coordinator.Session{}, err
	}

	url := fmt.Sprintf("%s/%s", sdk.coordinatorURL, sessionsEndpoint)

	body, err := sdk.processRequest(http.MethodPost, url, data, http.StatusCreated)
	if err != nil {
		return coordinator.Session{}, err
	}

	var session coordinator.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return coordinator.Session{}, err
	}

	return session, nil
}

func (sdk *flotillaSDK) GetSession(id string) (coordinator.Session, error) {
	url := fmt.Sprintf("%s/%s/%s", sdk.coordinatorURL, sessionsEndpoint, id)

	body, err := sdk.processRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return coordinator.Session{}, err
	}

	var session coordinator.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return coordinator.Session{}, err
	}

	return session, nil
}

func (sdk *flotillaSDK) ListSessions() ([]coordinator.Session, error) {
	url := fmt.Sprintf("%s/%s", sdk.coordinatorURL, sessionsEndpoint)

	body, err := sdk.processRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var page sessionsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}

	return page.Sessions, nil
}

func (sdk *flotillaSDK) StartSession(id string) error {
	return sdk.transition(id, "start")
}

func (sdk *flotillaSDK) PauseSession(id string) error {
	return sdk.transition(id, "pause")
}

func (sdk *flotillaSDK) ResumeSession(id string) error {
	return sdk.transition(id, "resume")
}

func (sdk *flotillaSDK) StopSession(id string) error {
	return sdk.transition(id, "stop")
}

func (sdk *flotillaSDK) transition(id, op string) error {
	url := fmt.Sprintf("%s/%s/%s/%s", sdk.coordinatorURL, sessionsEndpoint, id, op)

	if _, err := sdk.processRequest(http.MethodPost, url, nil, http.StatusAccepted); err != nil {
		return err
	}

	return nil
}

func (sdk *flotillaSDK) SessionResult(id string) (coordinator.Result, error) {
	url := fmt.Sprintf("%s/%s/%s/result", sdk.coordinatorURL, sessionsEndpoint, id)

	body, err := sdk.processRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return coordinator.Result{}, err
	}

	var result coordinator.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return coordinator.Result{}, err
	}

	return result, nil
}

func (sdk *flotillaSDK) ListParticipants() ([]participant.Participant, error) {
	url := fmt.Sprintf("%s/participants", sdk.coordinatorURL)

	body, err := sdk.processRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var page participantsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}

	return page.Participants, nil
}

func (sdk *flotillaSDK) ListCheckpoints(id string) ([]model.Checkpoint, error) {
	url := fmt.Sprintf("%s/%s/%s/checkpoints", sdk.coordinatorURL, sessionsEndpoint, id)

	body, err := sdk.processRequest(http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var page checkpointsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}

	return page.Checkpoints, nil
}

func (sdk *flotillaSDK) RestoreCheckpoint(id, checkpointID string) error {
	url := fmt.Sprintf("%s/%s/%s/checkpoints/%s/restore", sdk.coordinatorURL, sessionsEndpoint, id, checkpointID)

	if _, err := sdk.processRequest(http.MethodPost, url, nil, http.StatusOK); err != nil {
		return err
	}

	return nil
}
