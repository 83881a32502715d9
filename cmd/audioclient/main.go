// Command audioclient streams a WAV file to the transcribe service over gRPC
// and prints transcript snapshots as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpcapi "live-transcribe-service/internal/api/grpc"
	"live-transcribe-service/internal/service/audio"
)

// Stream audio in chunks to simulate real-time capture.
const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/sample.wav", "Path to a PCM WAV file")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "", "Existing session ID (a new session is created when empty)")
	realtime := flag.Bool("realtime", true, "Pace chunks at real-time speed")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		log.Fatal().Str("file", *audioFile).Msg("Not a valid WAV file")
	}
	if dec.WavAudioFormat != 1 {
		log.Fatal().Uint16("format", dec.WavAudioFormat).Msg("Only PCM WAV files are supported")
	}

	channels := int(dec.NumChans)
	sampleRate := int(dec.SampleRate)
	bitDepth := int(dec.BitDepth)
	log.Info().
		Int("channels", channels).
		Int("sampleRate", sampleRate).
		Int("bitDepth", bitDepth).
		Msg("WAV file opened")

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if *sessionID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcapi.SessionHeader, *sessionID)
	}

	stream, err := grpcapi.NewStreamAudioClient(ctx, conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}

	recvDone := make(chan error, 1)
	go func() { recvDone <- printSnapshots(stream) }()

	// 100ms of audio per chunk.
	framesPerChunk := sampleRate / 10
	buf := &goaudio.IntBuffer{
		Data:   make([]int, framesPerChunk*channels),
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
	}

	var chunks, totalBytes int
	start := time.Now()
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}
		if n == 0 {
			break
		}

		pcm := audio.Encode(toMonoFloat32(buf.Data[:n], channels, bitDepth))
		if err := stream.SendMsg(wrapperspb.Bytes(pcm)); err != nil {
			log.Fatal().Err(err).Msg("Failed to send chunk")
		}
		chunks++
		totalBytes += len(pcm)

		if *realtime {
			time.Sleep(chunkInterval)
		}
	}

	log.Info().
		Int("chunks", chunks).
		Int("bytes", totalBytes).
		Dur("elapsed", time.Since(start)).
		Msg("Finished streaming, waiting for final transcripts")

	if err := stream.CloseSend(); err != nil {
		log.Fatal().Err(err).Msg("Failed to close stream")
	}
	if err := <-recvDone; err != nil {
		log.Fatal().Err(err).Msg("Stream failed")
	}

	if header, err := stream.Header(); err == nil {
		log.Info().Strs("session", header.Get(grpcapi.SessionHeader)).Msg("Stream completed")
	}
}

// toMonoFloat32 keeps the first channel and normalizes to [-1, 1].
func toMonoFloat32(data []int, channels, bitDepth int) []float32 {
	if channels < 1 {
		channels = 1
	}
	scale := float32(int(1) << (bitDepth - 1))
	out := make([]float32, 0, len(data)/channels)
	for i := 0; i < len(data); i += channels {
		out = append(out, float32(data[i])/scale)
	}
	return out
}

func printSnapshots(stream grpc.ClientStream) error {
	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(render(msg.AsMap()))
	}
}

func render(snapshot map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%v]", snapshot["state"])
	segs, _ := snapshot["segments"].([]any)
	for _, s := range segs {
		seg, _ := s.(map[string]any)
		marker := ""
		if partial, _ := seg["isPartial"].(bool); partial {
			marker = "…"
		}
		fmt.Fprintf(&b, "\n  - %v%s", seg["transcript"], marker)
	}
	if e, ok := snapshot["error"]; ok {
		fmt.Fprintf(&b, "\n  error: %v", e)
	}
	return b.String()
}
