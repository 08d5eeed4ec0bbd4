package model

import "time"

type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
)

type (
	SessionDescription struct {
		Type string `json:"type"` // "offer" or "answer"
		SDP  string `json:"sdp"`
	}

	// CallRecord is the one document per call attempt relayed between the two peers.
	CallRecord struct {
		ID               string              `json:"id,omitempty"`
		CallerID         string              `json:"callerId"`
		CallerName       string              `json:"callerName"`
		CalleeID         string              `json:"calleeId"`
		CalleeName       string              `json:"calleeName"`
		OpportunityID    string              `json:"opportunityId,omitempty"`
		OpportunityTitle string              `json:"opportunityTitle,omitempty"`
		Status           CallStatus          `json:"status"`
		Offer            *SessionDescription `json:"offer,omitempty"`
		Answer           *SessionDescription `json:"answer,omitempty"`
		CreatedAt        time.Time           `json:"createdAt"`
		UpdatedAt        time.Time           `json:"updatedAt,omitempty"`
	}

	ICECandidate struct {
		Candidate        string  `json:"candidate"`
		SDPMid           *string `json:"sdpMid,omitempty"`
		SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
		UsernameFragment *string `json:"usernameFragment,omitempty"`
	}

	// IceCandidateRecord is one append-only entry of a per-side candidate stream.
	IceCandidateRecord struct {
		Seq       int64     `json:"seq"`
		CreatedAt time.Time `json:"createdAt"`
		ICECandidate
	}
)
