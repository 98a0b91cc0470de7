package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/androfit/coach/internal/audio"
	"github.com/androfit/coach/internal/protocol"
)

type probeOptions struct {
	baseURL        string
	userID         string
	personaID      string
	wavPath        string
	texts          []string
	turns          int
	chunkMS        int
	realtime       float64
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	waitEnd        bool
	endTimeout     time.Duration
}

// probeReport is what one probe run observed.
type probeReport struct {
	SessionID    string
	Latencies    []time.Duration
	IdleWarnings int
	EndReason    string
}

var defaultProbeTexts = []string{
	"Let's do a quick warm up.",
	"How many squats should I do?",
	"What should I stretch afterwards?",
}

var errProbeTimeout = errors.New("timed out")

func newProbeCmd() *cobra.Command {
	var (
		opts     probeOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay synthetic turns against a running coach and report first-audio latency",
		Long: `probe creates a session, replays typed turns (or a WAV file as speech) over
the websocket and reports the latency from end of input to the first assistant
audio chunk. With --wait-end it then stays silent and reports the idle warnings
and the reason the server closed the session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.texts = splitTexts(textsRaw)
			if err := opts.validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, err := runProbe(ctx, opts, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8081", "coach server base URL")
	f.StringVar(&opts.userID, "user-id", "probe", "user_id for the synthetic session")
	f.StringVar(&opts.personaID, "persona", "", "persona_id for the synthetic session")
	f.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file streamed as speech for every turn")
	f.StringVar(&textsRaw, "texts", "", "typed utterances separated by '|'")
	f.IntVar(&opts.turns, "turns", 3, "number of turns to replay")
	f.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.startDelay, "start-delay", 900*time.Millisecond, "time to let the greeting play before the first turn")
	f.DurationVar(&opts.interTurnDelay, "inter-turn", 2*time.Second, "delay after each reply starts before the next turn")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for the first reply audio")
	f.BoolVar(&opts.waitEnd, "wait-end", false, "stay silent after the turns and wait for the server to end the session")
	f.DurationVar(&opts.endTimeout, "end-timeout", 5*time.Minute, "timeout for --wait-end")
	return cmd
}

func splitTexts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultProbeTexts...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (o probeOptions) validate() error {
	if strings.TrimSpace(o.baseURL) == "" {
		return errors.New("base-url is required")
	}
	if o.turns < 0 {
		return errors.New("turns must be >= 0")
	}
	if o.turns > 0 && o.wavPath == "" && len(o.texts) == 0 {
		return errors.New("texts produced no non-empty utterances")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return errors.New("chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return errors.New("realtime must be > 0")
	}
	if o.turnTimeout < time.Second/10 {
		return errors.New("turn-timeout is too short")
	}
	return nil
}

type clip struct {
	pcm        []byte
	sampleRate int
}

type serverMessage struct {
	env wsEnvelope
	err error
}

type wsEnvelope struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Text        string `json:"text,omitempty"`
}

type prober struct {
	opts     probeOptions
	out      io.Writer
	conn     *websocket.Conn
	messages <-chan serverMessage
	seen     map[string]bool
	report   probeReport
	ended    bool
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer) (probeReport, error) {
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var speech *clip
	if opts.wavPath != "" {
		data, err := os.ReadFile(opts.wavPath)
		if err != nil {
			return probeReport{}, fmt.Errorf("read wav: %w", err)
		}
		pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
		if err != nil {
			return probeReport{}, fmt.Errorf("decode wav: %w", err)
		}
		speech = &clip{pcm: pcm, sampleRate: sampleRate}
	}

	sessionID, err := createProbeSession(ctx, httpClient, opts)
	if err != nil {
		return probeReport{}, fmt.Errorf("create session: %w", err)
	}
	p := &prober{opts: opts, out: out, seen: make(map[string]bool)}
	p.report.SessionID = sessionID
	defer func() {
		if !p.ended {
			_ = endProbeSession(context.Background(), httpClient, opts.baseURL, sessionID)
		}
	}()
	fmt.Fprintf(out, "probe: session=%s turns=%d\n", sessionID, opts.turns)

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return p.report, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return p.report, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	p.conn = conn

	messages := make(chan serverMessage, 256)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go readServerMessages(conn, messages, readerDone)
	p.messages = messages

	if err := p.until(opts.turnTimeout, func(env wsEnvelope) bool {
		return env.Type == string(protocol.TypeSystemEvent) && env.Code == protocol.CodeSessionReady
	}); err != nil {
		return p.report, fmt.Errorf("await session_ready: %w", err)
	}
	if err := p.until(opts.startDelay, func(wsEnvelope) bool { return false }); err != nil && !errors.Is(err, errProbeTimeout) {
		return p.report, err
	}

	for i := 0; i < opts.turns && !p.ended; i++ {
		var label string
		if speech != nil {
			label = fmt.Sprintf("wav %s", opts.wavPath)
			err = p.sendSpeech(sessionID, *speech)
		} else {
			text := opts.texts[i%len(opts.texts)]
			label = fmt.Sprintf("%q", text)
			err = conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, SessionID: sessionID, Text: text})
		}
		if err != nil {
			return p.report, fmt.Errorf("turn %d send: %w", i+1, err)
		}

		sentAt := time.Now()
		err = p.until(opts.turnTimeout, func(env wsEnvelope) bool {
			return env.Type == string(protocol.TypeAssistantAudio) && !p.seen[env.UtteranceID]
		})
		if err != nil {
			return p.report, fmt.Errorf("turn %d await reply audio: %w", i+1, err)
		}
		if p.ended {
			break
		}
		latency := time.Since(sentAt)
		p.report.Latencies = append(p.report.Latencies, latency)
		fmt.Fprintf(out, "probe: turn %d/%d %s first_audio=%s\n", i+1, opts.turns, label, latency.Round(time.Millisecond))

		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			if err := p.until(opts.interTurnDelay, func(wsEnvelope) bool { return false }); err != nil && !errors.Is(err, errProbeTimeout) {
				return p.report, err
			}
		}
	}

	if opts.waitEnd && !p.ended {
		started := time.Now()
		if err := p.until(opts.endTimeout, func(wsEnvelope) bool { return false }); err != nil {
			return p.report, fmt.Errorf("await session end: %w", err)
		}
		fmt.Fprintf(out, "probe: silent for %s before the server ended the session\n", time.Since(started).Round(time.Millisecond))
	}

	if n := len(p.report.Latencies); n > 0 {
		lo, avg, hi := latencyStats(p.report.Latencies)
		fmt.Fprintf(out, "probe: first_audio min=%s avg=%s max=%s over %d turns\n",
			lo.Round(time.Millisecond), avg.Round(time.Millisecond), hi.Round(time.Millisecond), n)
	}
	if p.ended {
		fmt.Fprintf(out, "probe: session ended reason=%s idle_warnings=%d\n", p.report.EndReason, p.report.IdleWarnings)
	}
	return p.report, nil
}

// until consumes server messages until match returns true, the session ends,
// or timeout passes.
func (p *prober) until(timeout time.Duration, match func(wsEnvelope) bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-p.messages:
			if msg.err != nil {
				if p.ended {
					return nil
				}
				return msg.err
			}
			matched := match(msg.env)
			p.observe(msg.env)
			if matched || p.ended {
				return nil
			}
		case <-timer.C:
			return errProbeTimeout
		}
	}
}

func (p *prober) observe(env wsEnvelope) {
	switch env.Type {
	case string(protocol.TypeAssistantAudio):
		p.seen[env.UtteranceID] = true
	case string(protocol.TypeSystemEvent):
		switch env.Code {
		case protocol.CodeIdleWarning:
			p.report.IdleWarnings++
			fmt.Fprintln(p.out, "probe: idle warning")
		case protocol.CodeSessionEnded:
			p.report.EndReason = env.Detail
			p.ended = true
		}
	case string(protocol.TypeErrorEvent):
		fmt.Fprintf(p.out, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
	}
}

func (p *prober) sendSpeech(sessionID string, c clip) error {
	control := func(action string) error {
		return p.conn.WriteJSON(protocol.ClientControl{
			Type:      protocol.TypeClientControl,
			SessionID: sessionID,
			Action:    action,
			TSMs:      time.Now().UnixMilli(),
		})
	}
	if err := control(protocol.ActionSpeechStart); err != nil {
		return err
	}
	chunkBytes := max(2, c.sampleRate*2*p.opts.chunkMS/1000) &^ 1
	seq := 0
	for off := 0; off < len(c.pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(c.pcm))
		seq++
		if err := p.conn.WriteJSON(protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(c.pcm[off:end]),
			SampleRate:  c.sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}); err != nil {
			return err
		}
		pace := time.Duration(float64(audio.PCM16Duration(end-off, c.sampleRate)) / p.opts.realtime)
		time.Sleep(max(pace, time.Millisecond))
	}
	return control(protocol.ActionSpeechEnd)
}

func readServerMessages(conn *websocket.Conn, out chan<- serverMessage, done <-chan struct{}) {
	for {
		var msg serverMessage
		_, data, err := conn.ReadMessage()
		if err != nil {
			msg.err = err
		} else if err := json.Unmarshal(data, &msg.env); err != nil {
			continue
		}
		select {
		case out <- msg:
		case <-done:
			return
		}
		if msg.err != nil {
			return
		}
	}
}

func createProbeSession(ctx context.Context, client *http.Client, opts probeOptions) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"user_id":    opts.userID,
		"persona_id": opts.personaID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", errors.New("missing session_id in response")
	}
	return created.SessionID, nil
}

func endProbeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func latencyStats(samples []time.Duration) (lo, avg, hi time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	lo, hi = samples[0], samples[0]
	var sum time.Duration
	for _, s := range samples {
		lo = min(lo, s)
		hi = max(hi, s)
		sum += s
	}
	return lo, sum / time.Duration(len(samples)), hi
}
