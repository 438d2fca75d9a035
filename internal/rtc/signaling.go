package rtc

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the WebSocket signaling envelope.
// Types: "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin; tighten per deployment.
		return true
	},
}

// Signaler upgrades /rtc requests and performs offer/answer plus trickle ICE
// for a fresh Peer per connection. onPeer hands the connected peer to the
// engine so its sink and microphone can be wired into the session.
type Signaler struct {
	ICEServersJSON string
	OnPeer         func(p *Peer)
	OnCommand      func(p *Peer, cmd string)
}

func (s *Signaler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := signalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rtc: ws upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Wait for the offer.
	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				offerSDP = m.SDP
			}
		case "bye":
			return
		}
		if offerSDP != "" {
			break
		}
	}

	peer, err := NewPeer(s.ICEServersJSON, s.OnCommand)
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	defer peer.Close()

	peer.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	answer, err := peer.HandleOffer(SessionDescription{Type: "offer", SDP: offerSDP})
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: answer.SDP}); err != nil {
		return
	}
	if s.OnPeer != nil {
		s.OnPeer(peer)
	}

	// Relay remote trickle candidates until the client says bye or drops.
	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			_ = peer.pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     m.Candidate,
				SDPMid:        m.SDPMid,
				SDPMLineIndex: m.SDPMLineIndex,
			})
		case "bye":
			return
		}
	}
}
