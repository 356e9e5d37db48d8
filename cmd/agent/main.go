package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-voicehub/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicehub/pkg/transport"
)

const (
	SampleRate = 16000
	ChunkMs    = 20
	// BargeInThreshold is the mic energy that counts as the user talking
	// over playback.
	BargeInThreshold = 0.15
	// PlaybackLead is how much audio is held before playback starts.
	PlaybackLead = 60 * time.Millisecond
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	endpoint := os.Getenv("VOICEHUB_URL")
	if endpoint == "" {
		endpoint = "ws://localhost:8080/ws"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		log.Fatalf("Error: invalid VOICEHUB_URL: %v", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(SampleRate))
	q.Set("chunk_ms", strconv.Itoa(ChunkMs))
	u.RawQuery = q.Encode()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("Error: connect %s: %v", u.Redacted(), err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	fmt.Printf("Connected to %s | Sample Rate: %dHz | Chunk: %dms\n", u.Host, SampleRate, ChunkMs)
	fmt.Println("Press Enter to interrupt the bot, type 'mute' or 'unmute' to toggle the mic, Ctrl+C to exit")

	var (
		speaking  atomic.Bool
		sentBarge atomic.Bool
		lastRMS   atomic.Uint64
	)
	out := newPlayer(SampleRate, PlaybackLead)
	go out.Run(ctx)

	frames := make(chan []byte, 64)
	bargeIn := make(chan struct{}, 1)
	requestBargeIn := func() {
		if sentBarge.CompareAndSwap(false, true) {
			out.Interrupt()
			select {
			case bargeIn <- struct{}{}:
			default:
			}
		}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	fr := newFramer(audio.BytesFor(ChunkMs*time.Millisecond, SampleRate))
	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := audio.RMSEnergy(pInput)
			lastRMS.Store(uint64(rms * 1e6))
			if speaking.Load() && out.Pending() > 0 && rms > BargeInThreshold {
				requestBargeIn()
			}
			for _, frame := range fr.Push(pInput) {
				select {
				case frames <- frame:
				default:
					// Never block the audio thread.
				}
			}
		}
		if pOutput != nil {
			out.out.Fill(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	// Outbound: audio frames and control messages share one writer.
	control := make(chan any, 8)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-frames:
				if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
					cancel()
					return
				}
			case <-bargeIn:
				msg := transport.BargeIn{Type: transport.TypeBargeIn, Timestamp: time.Now().UnixMilli()}
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					cancel()
					return
				}
			case msg := <-control:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "mute":
				off := false
				control <- transport.Mic{Type: transport.TypeMic, Enabled: &off}
			case "unmute":
				on := true
				control <- transport.Mic{Type: transport.TypeMic, Enabled: &on}
			default:
				requestBargeIn()
			}
		}
	}()

	go func() {
		for ctx.Err() == nil {
			level := float64(lastRMS.Load()) / 1e6
			dots := min(int(level*500), 40)
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", strings.Repeat("|", dots), level)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				fmt.Printf("\r\033[K[DISCONNECTED] %v\n", err)
			}
			break
		}
		if typ == websocket.MessageBinary {
			if seq, payload, err := audio.DecodeFrame(data); err == nil {
				_ = out.Receive(seq, payload, time.Now())
			}
			continue
		}
		msg, err := parseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case transport.TypeTTSBegin:
			speaking.Store(true)
			sentBarge.Store(false)
			out.Begin(msg.TurnID)
		case transport.TypeTTSEnd:
			speaking.Store(false)
			if msg.Interrupted {
				out.Interrupt()
			} else {
				out.End(msg.TurnID)
			}
		}
		if line := describe(msg); line != "" {
			fmt.Printf("\r\033[K%s\n", line)
		}
	}

	fmt.Printf("\nShutting down...\n")
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}
