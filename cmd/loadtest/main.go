package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/big-pixel-media/ocppnet"
)

type profile struct {
	name        string
	stations    int
	workers     int
	reqTimeout  time.Duration
	payloadSize int
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		stations:    10,
		workers:     10,
		reqTimeout:  3 * time.Second,
		payloadSize: 64,
		memLimitGiB: 2,
	},
	"medium": {
		name:        "medium",
		stations:    100,
		workers:     50,
		reqTimeout:  5 * time.Second,
		payloadSize: 256,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		stations:    1_000,
		workers:     200,
		reqTimeout:  10 * time.Second,
		payloadSize: 1024,
		memLimitGiB: 4,
	},
}

type stationEntry struct {
	id     ocppnet.NodeID
	client *ocppnet.Client
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	stationsFlag := flag.Int("stations", 0, "number of simulated stations (overrides profile)")
	workersFlag := flag.Int("workers", 0, "concurrent workers (overrides profile)")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	memlimit := flag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	uppct := flag.Int("uppct", 50, "percentage of station->CSMS calls vs CSMS->station calls (0-100)")
	overlay := flag.Bool("overlay", false, "connect stations in overlay networking mode")
	binpct := flag.Int("binpct", 0, "percentage of CSMS->station calls sent as binary frames (0-100)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}

	if *stationsFlag > 0 {
		p.stations = *stationsFlag
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *uppct < 0 || *uppct > 100 || *binpct < 0 || *binpct > 100 {
		fmt.Fprintf(os.Stderr, "uppct and binpct must be 0-100\n")
		os.Exit(1)
	}

	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	mode := ocppnet.ModeStandard
	if *overlay {
		mode = ocppnet.ModeOverlayNetwork
	}

	fmt.Printf("ocppnet load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  stations: %d (%s)\n", p.stations, mode)
	fmt.Printf("  workers:  %d\n", p.workers)
	fmt.Printf("  mix:      %d%% up / %d%% down (%d%% of down binary)\n", *uppct, 100-*uppct, *binpct)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Printf("  GC:       %s\n", gcInfo)
	fmt.Printf("  payload:  %d bytes\n", p.payloadSize)
	fmt.Println()

	srv := ocppnet.NewServer(
		ocppnet.WithIdentity("CSMS"),
		ocppnet.WithRequestTimeout(p.reqTimeout),
		ocppnet.WithCleanupInterval(500*time.Millisecond),
		ocppnet.WithAuditSize(0),
		ocppnet.WithAdminAddr("127.0.0.1:8081"),
	)
	srv.Handlers().HandleFunc("Heartbeat", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		return ocppnet.MarshalReply(map[string]string{"currentTime": call.Timestamp.Format(time.RFC3339)})
	})
	srv.Start()

	ws := ocppnet.NewWebSocketServer(srv)
	if err := ws.Start("127.0.0.1:0"); err != nil {
		fmt.Fprintf(os.Stderr, "websocket listen error: %v\n", err)
		os.Exit(1)
	}

	stations := connectStations(p, ws.Addr(), mode)
	for deadline := time.Now().Add(5 * time.Second); srv.Registry().Len() < len(stations) && time.Now().Before(deadline); {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("%d stations connected (admin on 127.0.0.1:8081)\n\n", srv.Registry().Len())

	payload, _ := json.Marshal(map[string]string{
		"vendorId": "loadtest",
		"data":     randomText(p.payloadSize),
	})
	binPayload := []byte(randomText(p.payloadSize))

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var upCalls, downCalls, failures atomic.Int64

	upThreshold := float64(*uppct) / 100.0
	binThreshold := float64(*binpct) / 100.0

	for range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for {
				select {
				case <-stop:
					return
				default:
				}

				st := stations[rand.IntN(len(stations))]
				var entry *ocppnet.PendingRequest
				var err error
				if rand.Float64() < upThreshold {
					entry, err = st.client.Call(ctx, "Heartbeat", json.RawMessage(`{}`))
					upCalls.Add(1)
				} else {
					if rand.Float64() < binThreshold {
						entry, err = srv.SendBinaryAndWait(ctx, st.id, ocppnet.EmptyPath, "BinaryDataTransfer", binPayload, 0)
					} else {
						entry, err = srv.SendAndWait(ctx, st.id, ocppnet.EmptyPath, "DataTransfer", payload, 0)
					}
					downCalls.Add(1)
				}
				if err != nil || entry.Err() != nil {
					failures.Add(1)
				}
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(srv, stations, time.Since(start).Truncate(time.Second))
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Printf("\n--- stopping ---\n")
	var stopWg sync.WaitGroup
	for _, st := range stations {
		stopWg.Add(1)
		go func(c *ocppnet.Client) {
			defer stopWg.Done()
			c.Close()
		}(st.client)
	}
	stopWg.Wait()
	ws.Stop()
	srv.Stop()

	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart
	totalOps := upCalls.Load() + downCalls.Load()
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Up calls:        %d\n", upCalls.Load())
	fmt.Printf("  Down calls:      %d\n", downCalls.Load())
	fmt.Printf("  Failures:        %d\n", failures.Load())
	fmt.Printf("  CPU time:        %s (%.2f cores)\n", cpu.Truncate(time.Millisecond), cpu.Seconds()/elapsed.Seconds())
	fmt.Printf("  Aggregate RPS:   %.0f\n\n", float64(totalOps)/elapsed.Seconds())

	printProgress(srv, stations, elapsed.Truncate(time.Second))

	os.Exit(0)
}

// connectStations dials one client per station and answers the CSMS's
// DataTransfer calls.
func connectStations(p profile, addr string, mode ocppnet.NetworkingMode) []*stationEntry {
	stations := make([]*stationEntry, 0, p.stations)
	for i := range p.stations {
		id := ocppnet.NodeID("CS" + strconv.Itoa(i+1))
		c := ocppnet.NewClient(
			ocppnet.WithIdentity(id),
			ocppnet.WithRequestTimeout(p.reqTimeout),
			ocppnet.WithAuditSize(0),
		)
		c.Handlers().HandleFunc("DataTransfer", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
			return ocppnet.JSONReply(json.RawMessage(`{"status":"Accepted"}`)), nil
		})
		c.Handlers().HandleFunc("BinaryDataTransfer", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
			return ocppnet.BinaryReply(call.BinaryPayload), nil
		})
		c.Start()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := ocppnet.DialWebSocket(ctx, "ws://"+addr+"/ocpp/"+string(id), c,
			ocppnet.WithNetworkingMode(mode), ocppnet.WithUpstreamID("CSMS"))
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "station %s dial error: %v\n", id, err)
			os.Exit(1)
		}
		stations = append(stations, &stationEntry{id: id, client: c})
	}
	return stations
}

func randomText(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func printProgress(srv *ocppnet.Server, stations []*stationEntry, elapsed time.Duration) {
	secs := elapsed.Seconds()
	s := srv.Metrics().Snapshot()

	var upSent, upTimedOut int64
	for _, st := range stations {
		cs := st.client.Metrics().Snapshot()
		upSent += cs["requests_sent"]
		upTimedOut += cs["requests_timed_out"]
	}

	ops := s["requests_sent"] + upSent
	rps := float64(0)
	if secs > 0 {
		rps = float64(ops) / secs
	}
	fmt.Printf("[%s]\n", elapsed)
	fmt.Printf("  %-8s %10s %10s %10s %10s %10s %8s %8s %10s\n",
		"SIDE", "SENT", "RECV", "RESP", "TIMEOUT", "TXFAIL", "CONNS", "PEND", "RPS")
	fmt.Printf("  %-8s %10d %10d %10d %10d %10d %8d %8d %10.0f\n",
		"csms",
		s["requests_sent"],
		s["requests_received"],
		s["responses_received"],
		s["requests_timed_out"],
		s["transmission_failed"],
		s["connections_active"],
		s["requests_pending"],
		rps,
	)
	fmt.Printf("  %-8s %10d %10s %10s %10d\n", "stations", upSent, "-", "-", upTimedOut)
	fmt.Println()
}
