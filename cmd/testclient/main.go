// Command testclient drives a capture over the WebSocket endpoint the way
// a browser does: it posts Float32 frames of a synthetic tone, then asks
// the server to stop and prints the transcript updates.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type sessionInfo struct {
	ID string `json:"id"`
}

type serverMessage struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	Error    string `json:"error"`
	Segments []struct {
		Transcript string `json:"transcript"`
		IsPartial  bool   `json:"isPartial"`
	} `json:"segments"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "HTTP base URL of the service")
	sampleRate := flag.Int("rate", 44100, "Sample rate of the synthetic tone")
	frames := flag.Int("frames", 20, "Number of frames to send")
	frameSize := flag.Int("frame-size", 4096, "Samples per frame")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	resp, err := http.Post(*server+"/v1/sessions", "application/json", bytes.NewReader(nil))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}
	var info sessionInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode session")
	}
	log.Info().Str("session", info.ID).Msg("Session created")

	wsURL := "ws" + strings.TrimPrefix(*server, "http") + "/v1/sessions/" + info.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stream")
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg serverMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			printMessage(msg)
			if msg.Type == "transcript" && msg.State == "idle" && len(msg.Segments) > 0 {
				return
			}
		}
	}()

	phase := 0.0
	step := 2 * math.Pi * 440 / float64(*sampleRate)
	interval := time.Duration(float64(*frameSize) / float64(*sampleRate) * float64(time.Second))
	for i := 0; i < *frames; i++ {
		frame := make([]byte, 4*(*frameSize))
		for j := 0; j < *frameSize; j++ {
			binary.LittleEndian.PutUint32(frame[j*4:], math.Float32bits(float32(0.3*math.Sin(phase))))
			phase += step
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Fatal().Err(err).Msg("Failed to send frame")
		}
		time.Sleep(interval)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		log.Fatal().Err(err).Msg("Failed to send stop")
	}

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("Timed out waiting for final transcript")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func printMessage(msg serverMessage) {
	if msg.Type == "error" {
		log.Warn().Str("error", msg.Error).Msg("Server error")
		return
	}
	fmt.Printf("[%s]\n", msg.State)
	for _, s := range msg.Segments {
		marker := ""
		if s.IsPartial {
			marker = " (partial)"
		}
		fmt.Printf("  - %s%s\n", s.Transcript, marker)
	}
}
