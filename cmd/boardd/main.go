// Command boardd bridges the safety co-processor (panda) to the rest
// of the stack: CAN forwarding, health/ignition polling, safety-model
// enforcement, hardware control, and GPS relay. See SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/boardstate"
	"github.com/commaai/boardd/internal/canloop"
	"github.com/commaai/boardd/internal/devbench"
	"github.com/commaai/boardd/internal/gpsloop"
	"github.com/commaai/boardd/internal/hwcontrol"
	"github.com/commaai/boardd/internal/paramstore"
	"github.com/commaai/boardd/internal/platform"
	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/safetysetter"
	"github.com/commaai/boardd/internal/supervisor"
)

const schedPriority = 54

func main() {
	bench := flag.Bool("bench", false, "run against a simulated board over SocketCAN instead of real USB hardware")
	benchIface := flag.String("bench-iface", "vcan0", "SocketCAN interface to simulate the main board on, with -bench")
	benchHID := flag.Bool("bench-hid", false, "drive -bench ignition from a raw evdev HID device instead of the terminal")
	debugHTTP := flag.String("debug-http", "", "address to serve /debug/ws/<topic> websocket mirrors on, e.g. :8080 (disabled if empty)")
	flag.Parse()

	bootID := uuid.NewString()
	log.SetPrefix("boardd[" + bootID[:8] + "] ")
	log.Printf("boardd: starting, boot_id=%s", bootID)

	if err := platform.Pin(schedPriority, platform.AffinityCore()); err != nil {
		log.Printf("boardd: failed to set realtime priority/affinity: %v", err)
	}

	paramsRoot := os.Getenv("BOARDD_PARAMS")
	if paramsRoot == "" {
		paramsRoot = "/data/params/d"
	}
	params, err := paramstore.NewFileStore(paramsRoot)
	if err != nil {
		log.Fatalf("boardd: paramstore init failed: %v", err)
	}
	params.Put("BootId", []byte(bootID))

	var discoverer board.Discoverer
	if *bench {
		discoverer = &board.SimDiscoverer{Ifaces: map[string]board.SimSpec{
			"SIM-MAIN": {Interface: *benchIface, HWType: board.HwDos},
		}}
	} else {
		discoverer = &board.USBDiscoverer{Factory: board.NullTransportFactory{}}
	}

	broker := pubsub.NewBroker()

	var debugSrv *pubsub.DebugServer
	if *debugHTTP != "" {
		mux := http.NewServeMux()
		debugSrv = pubsub.NewDebugServer(broker, mux, "can", "pandaState", "sendcan", "ubloxRaw")
		go func() {
			log.Printf("boardd: debug websocket server on %s", *debugHTTP)
			if err := http.ListenAndServe(*debugHTTP, mux); err != nil {
				log.Printf("boardd: debug server exited: %v", err)
			}
		}()
	}
	_ = debugSrv

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("boardd: signal received, shutting down")
		cancel()
	}()

	if os.Getenv("AUX_CAN_DRIVE") != "" {
		log.Printf("boardd: AUX_CAN_DRIVE set, swapping main/aux bus shift")
	}

	spoofIgnition := boardstate.Spoofing()
	fakeSend := os.Getenv("FAKESEND") != ""

	for !ctxDone(ctx) {
		sup := supervisor.New(discoverer, params)
		if os.Getenv("AUX_CAN_DRIVE") != "" {
			sup.MainShift.Store(3)
			sup.AuxShift.Store(0)
		}

		if err := sup.Connect(ctx); err != nil {
			log.Printf("boardd: connect failed: %v", err)
			if ctxDone(ctx) {
				break
			}
			time.Sleep(1 * time.Second)
			continue
		}

		if *bench {
			if sim, ok := sup.Main.Board.(*board.Sim); ok {
				go runDevbench(ctx, sim, params, *benchHID)
			}
		}

		runLoops(ctx, sup, broker, params, fakeSend, spoofIgnition)

		sup.Teardown()
		if ctxDone(ctx) {
			break
		}
		log.Printf("boardd: lost board connection, reconnecting")
	}

	log.Printf("boardd: exiting")
}

// runLoops starts every worker loop for one connected session and
// blocks until all of them have returned (loss of main.Connected or
// exit_requested), matching spec.md §5's reconnection policy: workers
// are torn down and restarted fresh on every reconnect cycle.
func runLoops(ctx context.Context, sup *supervisor.Supervisor, broker *pubsub.Broker, params paramstore.Store, fakeSend, spoofIgnition bool) {
	canPub := broker.Publisher("can")
	pandaStatePub := broker.Publisher("pandaState")
	sendcanSub := broker.Subscriber("sendcan", 16)
	ubloxPub := broker.Publisher("ubloxRaw")
	deviceStateSub := broker.Subscriber("deviceState", 4)
	driverCamSub := broker.Subscriber("driverCameraState", 4)

	launchSafetySetter := func(ctx context.Context) {
		go safetysetter.Run(ctx, sup, params)
	}

	pigeon := pigeonFor(sup)

	done := make(chan struct{}, 5)
	run := func(f func()) {
		go func() {
			f()
			done <- struct{}{}
		}()
	}

	run(func() { canloop.Recv(ctx, sup, canPub) })
	run(func() { canloop.Send(ctx, sup, sendcanSub, fakeSend) })
	run(func() { boardstate.Run(ctx, sup, pandaStatePub, params, launchSafetySetter, spoofIgnition) })
	run(func() { hwcontrol.Run(ctx, sup, deviceStateSub, driverCamSub) })
	run(func() { gpsloop.Run(ctx, sup, pigeon, ubloxPub) })

	for i := 0; i < 5; i++ {
		<-done
	}
	sendcanSub.Close()
	deviceStateSub.Close()
	driverCamSub.Close()
}

// pigeonFor picks the GPS transport for the connected main board:
// tunneled through USB everywhere except TICI, which wires the
// receiver to its own UART (spec.md §4.7).
func pigeonFor(sup *supervisor.Supervisor) gpsloop.Pigeon {
	if platform.TICI() {
		if p, err := gpsloop.ConnectSerial("/dev/ttyHS0"); err == nil {
			return p
		}
		log.Printf("boardd: failed to open serial GPS device, falling back to tunneled")
	}
	return gpsloop.ConnectTunneled(sup.Main.Board)
}

func runDevbench(ctx context.Context, sim *board.Sim, params paramstore.Store, hid bool) {
	if hid {
		device := os.Getenv("BOARDD_BENCH_DEVICE")
		if err := devbench.RunHID(ctx, sim, params, device); err != nil {
			log.Printf("boardd: devbench HID console exited: %v", err)
		}
		return
	}
	if err := devbench.RunTerminal(ctx, sim, params); err != nil {
		log.Printf("boardd: devbench terminal console exited: %v", err)
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
