package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":1,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if audio.SessionID != "s1" || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"speech_start","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionSpeechStart {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"approve_task_step"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_text","session_id":"s1","text":"give me a leg day"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(ClientText)
	if !ok || text.Text != "give me a leg day" {
		t.Fatalf("unexpected client text: %#v", msg)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"client_text","session_id":"s1","text":"   "}`)); err == nil {
		t.Fatalf("expected blank text to be rejected")
	}
}

func TestParseClientMessageRejectsInvalidAudioChunk(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_audio_chunk","session_id":"","pcm16_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTypeOf(t *testing.T) {
	got, ok := TypeOf(SystemEvent{Type: TypeSystemEvent})
	if !ok || got != TypeSystemEvent {
		t.Fatalf("TypeOf() = %q, %v", got, ok)
	}
	if _, ok := TypeOf(struct{}{}); ok {
		t.Fatalf("TypeOf(unknown) ok = true, want false")
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000,"ts_ms":123456}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatal(err)
		}
	}
}
