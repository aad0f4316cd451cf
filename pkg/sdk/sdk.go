package sdk

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

const CTJSON string = "application/json"

type SDK interface {
	// CreateSession creates a new training session.
	//
	// example:
	//  req := sdk.SessionRequest{
	//    Name: "mnist-demo",
	//  }
	//  session, _ := sdk.CreateSession(req)
	//  fmt.Println(session)
	CreateSession(req coordinator.SessionRequest) (coordinator.Session, error)

	// GetSession gets a session by id.
	//
	// example:
	//  session, _ := sdk.GetSession("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	//  fmt.Println(session)
	GetSession(id string) (coordinator.Session, error)

	// ListSessions lists sessions.
	//
	// example:
	//  sessions, _ := sdk.ListSessions()
	//  fmt.Println(sessions)
	ListSessions() ([]coordinator.Session, error)

	// StartSession launches a session's training loop.
	//
	// example:
	//  _ = sdk.StartSession("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	StartSession(id string) error

	// PauseSession suspends a running session between rounds.
	//
	// example:
	//  _ = sdk.PauseSession("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	PauseSession(id string) error

	// ResumeSession continues a paused session.
	//
	// example:
	//  _ = sdk.ResumeSession("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	ResumeSession(id string) error

	// StopSession cancels any in-flight round and ends the session.
	//
	// example:
	//  _ = sdk.StopSession("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	StopSession(id string) error

	// SessionResult fetches a finished session's final report.
	//
	// example:
	//  result, _ := sdk.SessionResult("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	//  fmt.Println(result)
	SessionResult(id string) (coordinator.Result, error)

	// ListParticipants lists registered participants.
	//
	// example:
	//  participants, _ := sdk.ListParticipants()
	//  fmt.Println(participants)
	ListParticipants() ([]participant.Participant, error)

	// ListCheckpoints lists a session's checkpoints.
	//
	// example:
	//  cps, _ := sdk.ListCheckpoints("b1d10738-c5d7-4ff1-8f4d-b9328ce6f040")
	//  fmt.Println(cps)
	ListCheckpoints(id string) ([]model.Checkpoint, error)

	// RestoreCheckpoint reinstates a stored checkpoint.
	//
	// example:
	//  _ = sdk.RestoreCheckpoint(sessionID, checkpointID)
	RestoreCheckpoint(id, checkpointID string) error
}

type flotillaSDK struct {
	coordinatorURL string
	client         *http.Client
}

type Config struct {
	CoordinatorURL  string
	TLSVerification bool
}

func NewSDK(cfg Config) SDK {
	return &flotillaSDK{
		coordinatorURL: cfg.CoordinatorURL,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			},
		},
	}
}

func (sdk *flotillaSDK) processRequest(method, reqURL string, data []byte, expectedRespCode int) ([]byte, error) {
	req, err := http.NewRequest(method, reqURL, bytes.NewReader(data))
	if err != nil {
		return []byte{}, err
	}

	req.Header.Add("Content-Type", CTJSON)

	resp, err := sdk.client.Do(req)
	if err != nil {
		return []byte{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, err
	}

	if resp.StatusCode != expectedRespCode {
		return []byte{}, fmt.Errorf("unexpected response code: %d", resp.StatusCode)
	}

	return body, nil
}
