package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/majemaai/tutorlink/internal/device"
	"github.com/majemaai/tutorlink/internal/vad"
)

// SessionDescription is a small DTO so transports never expose webrtc types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	micChunkBytes    = 3200 // 100ms of 16kHz PCM16LE
	opusFrameSamples = 960
)

// Peer is one browser's media leg: an outbound narration track and the
// inbound microphone track relayed as a 16kHz PCM stream.
type Peer struct {
	pc      *webrtc.PeerConnection
	writer  *PacedWriter
	mic     *trackMic
	onCmd   func(p *Peer, cmd string)
	id      string
	closeMu sync.Mutex
	closed  bool

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	voiceMu sync.Mutex
	onVoice func()
}

// NewPeer builds the peer connection with default codecs and the narration
// track attached. onCmd receives control-channel commands ("record",
// "cancel", "stop").
func NewPeer(iceServersJSON string, onCmd func(p *Peer, cmd string)) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"narration-audio", "tutor",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	writer, err := NewPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &Peer{
		pc:     pc,
		writer: writer,
		mic:    newTrackMic(),
		onCmd:  onCmd,
		id:     time.Now().Format("0102150405.000"),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer state: %s", p.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		p.dcMu.Lock()
		p.dc = dc
		p.dcMu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			if p.onCmd != nil {
				p.onCmd(p, cmd)
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote mic track: codec=%s", p.id, remote.Codec().MimeType)
		go p.relayMic(remote)
	})
	return p, nil
}

// HandleOffer applies the browser's SDP offer and returns the answer after
// ICE gathering completes.
func (p *Peer) HandleOffer(offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("rtc: invalid offer")
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := p.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("rtc: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Sink is the narration PCM sink feeding the outbound track.
func (p *Peer) Sink() *PacedWriter { return p.writer }

// Microphone exposes the inbound track as a device microphone. Open blocks
// until the browser's audio track arrives.
func (p *Peer) Microphone() device.Microphone { return p.mic }

// OnVoice registers a callback fired each time sustained speech starts on the
// inbound mic. Used to interrupt narration when the user talks over it.
func (p *Peer) OnVoice(fn func()) {
	p.voiceMu.Lock()
	p.onVoice = fn
	p.voiceMu.Unlock()
}

func (p *Peer) voiceStarted() {
	p.voiceMu.Lock()
	fn := p.onVoice
	p.voiceMu.Unlock()
	if fn != nil {
		fn()
	}
}

// SendControl delivers a text message on the control channel, if open.
func (p *Peer) SendControl(msg string) error {
	p.dcMu.Lock()
	dc := p.dc
	p.dcMu.Unlock()
	if dc == nil {
		return errors.New("rtc: control channel not open")
	}
	return dc.SendText(msg)
}

// relayMic decodes inbound Opus to 16kHz PCM16LE and feeds the mic stream in
// fixed-size chunks.
func (p *Peer) relayMic(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(device.SampleRate, 1)
	if err != nil {
		log.Printf("[%s] opus decoder: %v", p.id, err)
		return
	}
	p.mic.trackArrived()

	det := &vad.Detector{}
	buf := make([]byte, 0, micChunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			p.mic.end()
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+micChunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= micChunkBytes {
			chunk := make([]byte, micChunkBytes)
			copy(chunk, buf[:micChunkBytes])
			wasActive := det.Active()
			if det.Feed(chunk) && !wasActive {
				p.voiceStarted()
			}
			p.mic.push(chunk)
			copy(buf, buf[micChunkBytes:])
			buf = buf[:len(buf)-micChunkBytes]
		}
	}
}

// Close tears down the peer. Idempotent.
func (p *Peer) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	p.writer.FlushTail()
	time.AfterFunc(400*time.Millisecond, p.writer.Close)
	p.mic.end()
	_ = p.pc.Close()
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// trackMic adapts the remote audio track to device.Microphone.
type trackMic struct {
	mu      sync.Mutex
	arrived chan struct{}
	frames  chan []byte
	done    chan struct{}
	ended   bool
}

func newTrackMic() *trackMic {
	return &trackMic{
		arrived: make(chan struct{}),
		frames:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (m *trackMic) trackArrived() {
	m.mu.Lock()
	select {
	case <-m.arrived:
	default:
		close(m.arrived)
	}
	m.mu.Unlock()
}

func (m *trackMic) push(chunk []byte) {
	select {
	case m.frames <- chunk:
	case <-m.done:
	default:
	}
}

func (m *trackMic) end() {
	m.mu.Lock()
	if !m.ended {
		m.ended = true
		close(m.done)
	}
	m.mu.Unlock()
}

// Open waits for the browser's mic track, then hands out the PCM stream.
func (m *trackMic) Open(ctx context.Context) (device.Stream, error) {
	select {
	case <-m.arrived:
		return &trackStream{mic: m}, nil
	case <-m.done:
		return nil, device.ErrDeviceUnavailable
	case <-ctx.Done():
		return nil, device.ErrDeviceUnavailable
	}
}

type trackStream struct{ mic *trackMic }

func (s *trackStream) ReadPCM() ([]byte, error) {
	select {
	case f := <-s.mic.frames:
		return f, nil
	case <-s.mic.done:
		return nil, errors.New("rtc: mic track ended")
	}
}

func (s *trackStream) Close() error { return nil }
