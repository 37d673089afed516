// warden-agent is a reference agent: it enrolls with a one-time token,
// heartbeats, and answers VM, volume, and console commands against an
// in-memory simulation of a hypervisor. It exists for development and for
// exercising a control plane without real virtualization hosts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"warden/internal/gateway"
)

const version = "1.0.0"

type agent struct {
	name string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	vms      map[string]string // vm id → status
	consoles map[string]bool   // session id → active
}

func main() {
	serverURL := flag.String("server", "ws://localhost:9090", "Warden server URL")
	name := flag.String("name", "", "Agent name (fleet-unique)")
	token := flag.String("token", "", "One-time registration token")
	heartbeat := flag.Int("heartbeat", 15, "Heartbeat interval in seconds")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden-agent v%s\n", version)
		os.Exit(0)
	}
	if *name == "" || *token == "" {
		log.Fatal("❌ Both -name and -token are required")
	}

	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 Warden Agent v%s starting...", version)

	url := fmt.Sprintf("%s/api/v1/gateway?agent=%s&token=%s", *serverURL, *name, *token)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("❌ Failed to connect to %s: %v", *serverURL, err)
	}
	defer ws.Close()
	log.Printf("✓ Connected to %s as %q", *serverURL, *name)

	a := &agent{
		name:     *name,
		ws:       ws,
		vms:      make(map[string]string),
		consoles: make(map[string]bool),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("⏹️  Shutting down...")
		cancel()
	}()

	a.send(&gateway.Envelope{
		Type:     gateway.TypeAgentRegister,
		Capacity: `{"cpu":16,"memory_mb":65536,"disk_gb":2048}`,
	})

	go a.heartbeatLoop(ctx, time.Duration(*heartbeat)*time.Second)

	ws.SetPingHandler(func(appData string) error {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("❌ Connection lost: %v", err)
		}

		var env gateway.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("⚠️  Bad frame: %v", err)
			continue
		}
		a.handle(&env)
	}
}

func (a *agent) send(env *gateway.Envelope) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ws.WriteJSON(env); err != nil {
		log.Printf("⚠️  Write failed: %v", err)
	}
}

func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(&gateway.Envelope{Type: gateway.TypeAgentHeartbeat})
		}
	}
}

func (a *agent) reply(env *gateway.Envelope, facts map[string]string) {
	a.send(&gateway.Envelope{
		Type:      gateway.TypeSuccess,
		RequestID: env.RequestID,
		Facts:     facts,
	})
}

func (a *agent) fail(env *gateway.Envelope, msg string) {
	a.send(&gateway.Envelope{
		Type:      gateway.TypeError,
		RequestID: env.RequestID,
		Error:     msg,
	})
}

func (a *agent) handle(env *gateway.Envelope) {
	switch env.Type {
	case gateway.TypeVMBoot:
		a.setVM(env.VMID, "running")
		log.Printf("▶️  VM %s booted", env.VMID)
		a.reply(env, map[string]string{
			"consolePath": "/run/warden/" + env.VMID + ".vnc",
			"serialPath":  "/run/warden/" + env.VMID + ".serial",
		})

	case gateway.TypeVMShutdown:
		a.setVM(env.VMID, "shutdown")
		log.Printf("⏹️  VM %s shut down", env.VMID)
		a.reply(env, nil)

	case gateway.TypeVMReboot:
		a.setVM(env.VMID, "running")
		log.Printf("🔄 VM %s rebooted", env.VMID)
		a.reply(env, nil)

	case gateway.TypeVMPause:
		a.setVM(env.VMID, "paused")
		a.reply(env, nil)

	case gateway.TypeVMResume:
		a.setVM(env.VMID, "running")
		a.reply(env, nil)

	case gateway.TypeVMDelete:
		a.mu.Lock()
		delete(a.vms, env.VMID)
		a.mu.Unlock()
		log.Printf("🗑️  VM %s deleted", env.VMID)
		a.reply(env, nil)

	case gateway.TypeVMStatus:
		a.mu.Lock()
		status, ok := a.vms[env.VMID]
		a.mu.Unlock()
		if !ok {
			status = "shutdown"
		}
		a.send(&gateway.Envelope{
			Type:      gateway.TypeStatusUpdate,
			RequestID: env.RequestID,
			VMID:      env.VMID,
			Status:    status,
		})

	case gateway.TypeVolumeAttach:
		log.Printf("🔗 Volume %s attached to VM %s as %s", env.VolumeID, env.VMID, env.DeviceName)
		a.reply(env, map[string]string{"deviceName": env.DeviceName})

	case gateway.TypeVolumeDetach:
		log.Printf("🔗 Volume %s detached from VM %s", env.VolumeID, env.VMID)
		a.reply(env, nil)

	case gateway.TypeVolumeResize:
		log.Printf("📏 Volume %s resized to %dGB", env.VolumeID, env.SizeGB)
		a.reply(env, nil)

	case gateway.TypeVolumeSnapshot:
		log.Printf("📸 Snapshot %s of volume %s", env.SnapshotID, env.VolumeID)
		a.reply(env, nil)

	case gateway.TypeVolumeClone:
		log.Printf("📋 Volume %s cloned as %s", env.VolumeID, env.CloneID)
		a.reply(env, map[string]string{
			"storagePath": "/pool/volumes/" + env.CloneID + ".qcow2",
		})

	case gateway.TypeVolumeDelete:
		log.Printf("🗑️  Volume %s deleted", env.VolumeID)
		a.reply(env, nil)

	case gateway.TypeConsoleConnect:
		a.mu.Lock()
		a.consoles[env.SessionID] = true
		a.mu.Unlock()
		log.Printf("🖥️  Console session %s opened for VM %s", env.SessionID, env.VMID)
		a.send(&gateway.Envelope{
			Type:      gateway.TypeConsoleConnected,
			SessionID: env.SessionID,
		})

	case gateway.TypeConsoleData:
		// The simulated serial console echoes its input.
		a.mu.Lock()
		active := a.consoles[env.SessionID]
		a.mu.Unlock()
		if active {
			a.send(&gateway.Envelope{
				Type:      gateway.TypeConsoleData,
				SessionID: env.SessionID,
				Data:      env.Data,
			})
		}

	case gateway.TypeConsoleDisconnect:
		a.mu.Lock()
		delete(a.consoles, env.SessionID)
		a.mu.Unlock()
		log.Printf("🖥️  Console session %s closed", env.SessionID)

	case gateway.TypeSuccess:
		// Ack of our own register frame; nothing to do.

	case gateway.TypeError:
		log.Printf("⚠️  Server error: %s", env.Error)

	default:
		a.fail(env, fmt.Sprintf("unsupported command %q", env.Type))
	}
}

func (a *agent) setVM(id, status string) {
	a.mu.Lock()
	a.vms[id] = status
	a.mu.Unlock()
}
