package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	ws "nhooyr.io/websocket"

	"viva/voiceloop/internal/bridge"
	"viva/voiceloop/internal/platform"
)

// Plays a browser page against a running server: opens a session, says
// one phrase through the recognizer path and waits for the spoken reply.
func main() {
	server := flag.String("server", "http://localhost:8080", "Server base URL")
	text := flag.String("text", "Oi, tudo bem?", "Phrase the simulated recognizer hears")
	timeout := flag.Duration("timeout", 30*time.Second, "Timeout for the whole exchange")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api := resty.New().SetBaseURL(strings.TrimRight(*server, "/")).SetTimeout(10 * time.Second)

	var created struct {
		SessionID string `json:"session_id"`
		PageToken string `json:"page_token"`
		WSPath    string `json:"ws_path"`
	}
	resp, err := api.R().SetContext(ctx).SetResult(&created).ForceContentType("application/json").Post("/sessions")
	if err != nil || resp.IsError() {
		log.Fatalf("create session: %v %s", err, resp.String())
	}

	fmt.Printf("=== Page Simulation ===\n")
	fmt.Printf("Session: %s\n", created.SessionID)
	fmt.Printf("Text: %q\n\n", *text)

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*server, "/"), "http") + created.WSPath + "&token=" + created.PageToken
	conn, _, err := ws.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("dial bridge: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	send := func(typ, id string, v any) {
		msg := bridge.Message{Type: typ, ID: id, TsMs: time.Now().UnixMilli()}
		if v != nil {
			msg.Payload, _ = json.Marshal(v)
		}
		b, _ := json.Marshal(msg)
		if err := conn.Write(ctx, ws.MessageText, b); err != nil {
			log.Fatalf("send %s: %v", typ, err)
		}
	}

	fmt.Println("[1] Sending hello (recognition + synthesis)...")
	send(bridge.TypeHello, "", bridge.Hello{
		Capabilities: platform.Capabilities{Recognition: true, Synthesis: true},
		Voices:       []platform.Voice{{Name: "Luciana", Lang: "pt-BR", Local: true}},
		UserAgent:    "test-e2e",
	})

	fmt.Println("[2] Enabling conversation mode...")
	resp, err = api.R().SetContext(ctx).SetBody(map[string]any{"enabled": true}).Post("/sessions/" + created.SessionID + "/conversation")
	if err != nil || resp.IsError() {
		log.Fatalf("enable conversation: %v %s", err, resp.String())
	}

	said := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		var msg bridge.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		fmt.Printf("  <- %s %s\n", msg.Type, msg.ID)
		switch msg.Type {
		case bridge.CmdRecognizerStart:
			if said {
				fmt.Println("[4] Listening resumed after the reply")
				printEvents(ctx, api, created.SessionID)
				return
			}
			said = true
			fmt.Printf("[3] Saying %q\n", *text)
			send(bridge.TypeRecognizerResult, msg.ID, bridge.RecognizerResult{Text: *text, Final: true})
		case bridge.CmdSpeechSpeak:
			var u platform.Utterance
			_ = json.Unmarshal(msg.Payload, &u)
			fmt.Printf("  assistant (%s/%s): %s\n", u.Lang, u.Voice, u.Text)
			send(bridge.TypeSpeechDone, msg.ID, nil)
		}
	}
}

func printEvents(ctx context.Context, api *resty.Client, sessionID string) {
	var out struct {
		Events []struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		} `json:"events"`
	}
	resp, err := api.R().SetContext(ctx).SetResult(&out).ForceContentType("application/json").Get("/sessions/" + sessionID + "/events")
	if err != nil || resp.IsError() {
		fmt.Printf("events: %v %s\n", err, resp.String())
		return
	}
	fmt.Println("\n=== Events ===")
	for _, e := range out.Events {
		fmt.Printf("  %s %v\n", e.Type, e.Payload)
	}
}
