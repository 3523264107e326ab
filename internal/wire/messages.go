package wire

import "encoding/json"

// Control message type tags, dispatched on ControlMessage.Type.
const (
	TypeServerInfo    = "ServerInfo"
	TypePairBegin     = "PairBegin"
	TypePairFinish    = "PairFinish"
	TypeAppList       = "AppList"
	TypeLaunch        = "Launch"
	TypeResume        = "Resume"
	TypeStop          = "Stop"
	TypeQualityChange = "QualityChange"
	TypeStatistics    = "Statistics"
	TypeKeepAlive     = "KeepAlive"
)

// ServerInfo answers an unauthenticated probe with the host's identity
// and capabilities, per spec.md §4.1/§4.2: sent once at connect time,
// before pairing.
type ServerInfo struct {
	HostUUID        string   `json:"host_uuid"`
	ProtocolVersion int      `json:"protocol_version"`
	HostName        string   `json:"host_name"`
	Paired          bool     `json:"paired"`
	SupportedCodecs []string `json:"supported_codecs"`
}

// PairBegin starts a pairing attempt (Idle -> SaltIssued), carrying a
// client-chosen unique id, per spec.md §4.2.
type PairBegin struct {
	ClientID      string `json:"client_id"`
	ClientName    string `json:"client_name"`
	ClientPublicKey []byte `json:"client_public_key"`
}

// PairFinish carries both directions of the pairing exchange after
// PairBegin; each field's comment names its sender and step. The server's
// handshake (internal/server runHandshake) reads these messages in a
// fixed order rather than dispatching on which fields are populated.
type PairFinish struct {
	ClientID      string `json:"client_id"`
	Salt          []byte `json:"salt,omitempty"`           // server -> client, SaltIssued
	Challenge     []byte `json:"challenge,omitempty"`       // server -> client, ChallengeIssued
	PINProof      []byte `json:"pin_proof,omitempty"`       // client -> server, ClientVerified
	ChallengeSig  []byte `json:"challenge_sig,omitempty"`   // reserved for a future signature-based proof
	ClientECDHPub []byte `json:"client_ecdh_pub,omitempty"` // client -> server, alongside PINProof
	HostECDHPub   []byte `json:"host_ecdh_pub,omitempty"`   // server -> client, ServerVerified
	Ack           bool   `json:"ack,omitempty"`             // server -> client, Complete
}

// AppList is reserved for a future launcher catalog; this host streams
// a single already-running emulator instance per spec.md §1's scope, so
// the field set is minimal on purpose.
type AppList struct {
	Apps []AppEntry `json:"apps"`
}

// AppEntry names one streamable target.
type AppEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Launch requests a new session with the given stream configuration,
// per spec.md §4.4's start(config). The client's UDP listening ports are
// carried here rather than learned from the first inbound datagram,
// since the video/audio sockets are send-only from the host's side.
type Launch struct {
	StreamConfig   StreamConfigWire `json:"stream_config"`
	ClientVideoPort int             `json:"client_video_port"`
	ClientAudioPort int             `json:"client_audio_port"`
}

// StreamConfigWire is the wire-serializable form of spec.md §3's
// StreamConfig, exchanged during Launch/QualityChange negotiation.
type StreamConfigWire struct {
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	FPS                int    `json:"fps"`
	Codec              string `json:"codec"`
	BitrateKbps        int    `json:"bitrate_kbps"`
	AudioChannels      int    `json:"audio_channels"`
	AudioSampleRate    int    `json:"audio_sample_rate"`
	ControllerCount    int    `json:"controller_count"`
	FECParityPct       int    `json:"fec_parity_pct"`
	KeyframeIntervalMs int    `json:"keyframe_interval_ms"`
	MTUPayloadBytes    int    `json:"mtu_payload_bytes"`
}

// Resume reattaches to an existing SessionId after a brief client-side
// disconnect, without a full re-pairing handshake.
type Resume struct {
	SessionID string `json:"session_id"`
}

// Stop requests a graceful session teardown.
type Stop struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// QualityChange carries a client- or server-initiated StreamConfig
// revision, staged for the next keyframe boundary per spec.md §4.4's
// apply_quality.
type QualityChange struct {
	SessionID    string           `json:"session_id"`
	StreamConfig StreamConfigWire `json:"stream_config"`
}

// Statistics is the client's periodic network-condition report, the
// input to the adaptive controller described in spec.md §4.8.
type Statistics struct {
	SessionID    string  `json:"session_id"`
	LossRate     float64 `json:"loss_rate"`
	JitterMs     float64 `json:"jitter_ms"`
	RTTMs        float64 `json:"rtt_ms"`
	FramesLost   uint64  `json:"frames_lost"`
	FramesShown  uint64  `json:"frames_shown"`
}

// KeepAlive refreshes a session's heartbeat deadline (spec.md §4.4's
// 5s peer timeout) without carrying any other payload.
type KeepAlive struct {
	SessionID string `json:"session_id"`
}

// DecodePayload unmarshals a ControlMessage's raw payload into dst,
// matched against msg.Type by the caller before calling this.
func (m ControlMessage) DecodePayload(dst any) error {
	return json.Unmarshal(m.Payload, dst)
}
