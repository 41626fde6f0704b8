package aivoice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire message type names.
const (
	typeInitMetadata    = "conversation_initiation_metadata"
	typeAudio           = "audio"
	typeAgentResponse   = "agent_response"
	typeUserTranscript  = "user_transcript"
	typeInterruption    = "interruption"
	typePing            = "ping"
	typePong            = "pong"
	typeBufferAppend    = "input_audio_buffer.append"
	typeBufferCommit    = "input_audio_buffer.commit"
	typeBufferClear     = "input_audio_buffer.clear"
)

// PayloadKind partitions inbound messages by how the bridge handles
// them.
type PayloadKind int

const (
	KindControl PayloadKind = iota // pings, metadata, interruptions
	KindAudio                      // agent speech for the caller
	KindText                       // transcripts and agent text
)

// Payload is one parsed inbound message.
type Payload struct {
	Kind    PayloadKind
	Type    string
	Audio   []byte // decoded audio bytes, KindAudio only
	Text    string // transcript text, KindText only
	EventID int    // ping event id, echoed in the pong
}

// initMetadata is the handshake message body.
type initMetadata struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// wireEnvelope covers every inbound shape. The service wraps each
// message's body in a type-specific *_event object; audio additionally
// appears either nested or at the top level depending on server
// version, so both spots are checked.
type wireEnvelope struct {
	Type string `json:"type"`

	AudioBase64 string `json:"audio_base_64,omitempty"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	InitMetadataEvent *initMetadata `json:"conversation_initiation_metadata_event,omitempty"`
}

// parseMessage normalizes one raw frame into a Payload.
func parseMessage(raw []byte) (*Payload, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	p := &Payload{Kind: KindControl, Type: env.Type}
	switch env.Type {
	case typeAudio:
		b64 := env.AudioBase64
		if env.AudioEvent != nil {
			b64 = env.AudioEvent.AudioBase64
			p.EventID = env.AudioEvent.EventID
		}
		audio, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		p.Kind = KindAudio
		p.Audio = audio

	case typeAgentResponse:
		p.Kind = KindText
		if env.AgentResponseEvent != nil {
			p.Text = env.AgentResponseEvent.AgentResponse
		}

	case typeUserTranscript:
		p.Kind = KindText
		if env.UserTranscriptionEvent != nil {
			p.Text = env.UserTranscriptionEvent.UserTranscript
		}

	case typePing:
		if env.PingEvent != nil {
			p.EventID = env.PingEvent.EventID
		}
	}
	return p, nil
}
