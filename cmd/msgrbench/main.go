// msgrbench drives a configurable number of concurrent senders between two
// in-process Messenger endpoints over loopback TCP and reports throughput.
//
// Run:  go run ./cmd/msgrbench -workers 8 -duration 10s -size 256
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/big-pixel-media/msgr"
)

type profile struct {
	name    string
	workers int
	size    int
}

var profiles = map[string]profile{
	"small":  {name: "small", workers: 4, size: 64},
	"medium": {name: "medium", workers: 16, size: 256},
	"large":  {name: "large", workers: 64, size: 4096},
}

// countingAuthenticator accepts everything; msgrbench is not exercising
// authentication, only the transport's throughput.
type countingAuthenticator struct{}

func (countingAuthenticator) Build(peerType msgr.EntityType, force bool) ([]byte, error) {
	return nil, nil
}

func (countingAuthenticator) Verify(peerType msgr.EntityType, authorizer []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (countingAuthenticator) VerifyReply(peerType msgr.EntityType, replyBlob []byte) (bool, error) {
	return true, nil
}

// sinkDispatcher counts every delivered message and discards it.
type sinkDispatcher struct {
	received atomic.Int64
	bytes    atomic.Int64
}

func (d *sinkDispatcher) Dispatch(ev msgr.Event) {
	if ev.Kind != msgr.EventMessage {
		return
	}
	d.received.Add(1)
	d.bytes.Add(int64(len(ev.Message.Front)))
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	workersFlag := flag.Int("workers", 0, "concurrent senders (overrides profile)")
	sizeFlag := flag.Int("size", 0, "front section size in bytes (overrides profile)")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	priority := flag.Int("priority", 100, "message priority (0-255)")
	lossy := flag.Bool("lossy", true, "use a lossy policy (drop on fault instead of retaining for replay)")
	rateLimit := flag.Float64("rate-limit-bytes-per-sec", 0, "cap sustained admission rate (0 = unlimited)")
	rateBurst := flag.Int("rate-limit-burst", 1<<20, "token bucket burst size in bytes, used only with -rate-limit-bytes-per-sec")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *sizeFlag > 0 {
		p.size = *sizeFlag
	}
	if *priority < 0 || *priority > 255 {
		fmt.Fprintln(os.Stderr, "priority must be 0-255")
		os.Exit(1)
	}

	msgr.InitLogger(slog.LevelError)

	cfg := msgr.DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.PortStart = 0
	cfg.PortEnd = 0
	cfg.DispatchThrottleBytes = 512 << 20
	cfg.PolicyThrottleBytes = 256 << 20
	cfg.RateLimitBytesPerSec = *rateLimit
	cfg.RateLimitBurst = *rateBurst

	policies := msgr.NewPolicyMap()
	policies.Set(msgr.EntityObjectServer, msgr.Policy{
		Lossy:             *lossy,
		Server:            true,
		FeaturesSupported: msgr.FeatureReconnectSeq | msgr.FeatureNoSrcAddr,
		Throttle:          msgr.NewPolicyThrottle(cfg),
	})

	sink := &sinkDispatcher{}
	receiver := msgr.NewMessenger(
		msgr.EntityName{Type: msgr.EntityObjectServer, ID: 1},
		cfg, policies, countingAuthenticator{}, nil, sink,
	)
	sender := msgr.NewMessenger(
		msgr.EntityName{Type: msgr.EntityObjectServer, ID: 2},
		cfg, policies, countingAuthenticator{}, nil, &sinkDispatcher{},
	)

	for _, m := range []*msgr.Messenger{receiver, sender} {
		if err := m.Bind(); err != nil {
			log.Fatalf("Bind: %v", err)
		}
		if err := m.Start(); err != nil {
			log.Fatalf("Start: %v", err)
		}
	}
	defer receiver.Shutdown()
	defer sender.Shutdown()

	fmt.Printf("msgrbench profile=%s workers=%d size=%dB duration=%s lossy=%v\n",
		p.name, p.workers, p.size, *duration, *lossy)

	payload := make([]byte, p.size)
	for i := range payload {
		payload[i] = byte(i)
	}

	stop := make(chan struct{})
	var sent atomic.Int64
	var sendErrors atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := sender.GetConnection(receiver.LocalAddr(), msgr.EntityObjectServer)
			for {
				select {
				case <-stop:
					return
				default:
				}
				msg := &msgr.Message{
					Header:   msgr.Header{Type: 1, Priority: uint16(*priority)},
					Front:    payload,
					Priority: byte(*priority),
				}
				if err := sender.SendToConnection(conn, msg); err != nil {
					sendErrors.Add(1)
					continue
				}
				sent.Add(1)
			}
		}()
	}

	start := time.Now()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			elapsed := time.Since(start).Seconds()
			fmt.Printf("[%6.1fs] sent=%d received=%d errors=%d throughput=%.0f msg/s\n",
				elapsed, sent.Load(), sink.received.Load(), sendErrors.Load(), float64(sent.Load())/elapsed)
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	// Give the dispatch pipeline a moment to drain before the final count.
	time.Sleep(200 * time.Millisecond)

	elapsed := time.Since(start)
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:      %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Sent:          %d\n", sent.Load())
	fmt.Printf("  Received:      %d\n", sink.received.Load())
	fmt.Printf("  Send errors:   %d\n", sendErrors.Load())
	fmt.Printf("  Bytes in:      %d\n", sink.bytes.Load())
	fmt.Printf("  Throughput:    %.0f msg/s\n", float64(sent.Load())/elapsed.Seconds())
}
