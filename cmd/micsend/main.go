// Command micsend streams a mono 16-bit WAV file to the UDP ingest in real
// time, the way a capture device would.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/singul4ri7y/murphys-kitchen/internal/audio"
	"github.com/singul4ri7y/murphys-kitchen/internal/protocol"
)

func main() {
	target := flag.String("target", "127.0.0.1:9090", "Ingest address")
	device := flag.String("device", "micsend", "Device ID announced in the start packet")
	frame := flag.Duration("frame", 20*time.Millisecond, "Audio per packet")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: micsend [flags] file.wav")
		os.Exit(2)
	}

	if err := run(logger, flag.Arg(0), *target, *device, *frame); err != nil {
		logger.Error("Streaming failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, path, target, device string, frame time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	samples, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", target, err)
	}
	defer conn.Close()

	streamID := rand.Uint32()
	if _, err := conn.Write(protocol.EncodeStart(streamID, device, uint32(sampleRate), uint32(time.Now().Unix()))); err != nil {
		return fmt.Errorf("failed to send start packet: %w", err)
	}

	logger.Info("Streaming audio",
		slog.String("file", path),
		slog.String("target", target),
		slog.Uint64("stream_id", uint64(streamID)),
		slog.Int("sample_rate", sampleRate),
		slog.Duration("duration", time.Duration(len(samples))*time.Second/time.Duration(sampleRate)),
	)

	chunk := int(frame.Seconds() * float64(sampleRate))
	if chunk < 1 {
		chunk = 1
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var seq uint32
	for offset := 0; offset < len(samples); offset += chunk {
		end := offset + chunk
		if end > len(samples) {
			end = len(samples)
		}

		packet, err := protocol.EncodeAudio(streamID, seq, samples[offset:end])
		if err != nil {
			return err
		}
		if _, err := conn.Write(packet); err != nil {
			return fmt.Errorf("failed to send audio packet %d: %w", seq, err)
		}
		seq++

		<-ticker.C
	}

	if _, err := conn.Write(protocol.EncodeStop(streamID)); err != nil {
		return fmt.Errorf("failed to send stop packet: %w", err)
	}

	logger.Info("Streaming finished", slog.Uint64("packets", uint64(seq)))
	return nil
}
