// Command lidar receives Velodyne HDL-64E packets over UDP, decodes them
// into calibrated points, and records capture statistics to SQLite. It can
// also mirror the raw packet stream to a LidarView instance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/velodyne.report/internal/lidar/hdl64"
	"github.com/banshee-data/velodyne.report/internal/lidar/network"
	"github.com/banshee-data/velodyne.report/internal/lidardb"
)

var (
	listen         = flag.String("listen", ":8081", "HTTP listen address")
	udpPort        = flag.Int("udp-port", 2368, "UDP port to listen for lidar packets")
	udpAddress     = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	calibFile      = flag.String("calibration", "", "Path to calibration YAML (default: embedded HDL-64E S2 factory calibration)")
	minRange       = flag.Float64("min-range", 0.9, "Minimum valid point range in meters")
	maxRange       = flag.Float64("max-range", 130.0, "Maximum valid point range in meters")
	disableDecode  = flag.Bool("no-decode", false, "Receive and count packets without decoding points")
	forwardPackets = flag.Bool("forward", false, "Forward received UDP packets to another port")
	forwardPort    = flag.Int("forward-port", 2369, "Port to forward UDP packets to (for LidarView monitoring)")
	forwardAddr    = flag.String("forward-addr", "localhost", "Address to forward UDP packets to")
	dbFile         = flag.String("db", "lidar_data.db", "Path to the SQLite database file")
	rcvBuf         = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes (default 4MB)")
	logInterval    = flag.Int("log-interval", 2, "Statistics logging interval in seconds")
	sessionNotes   = flag.String("notes", "", "Free-form notes stored on the capture session")
)

// formatWithCommas formats a number with thousands separators
func formatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}

// PacketStats tracks receive-loop statistics and periodically flushes
// them to the capture store. It implements network.PacketStatsInterface.
type PacketStats struct {
	mu            sync.Mutex
	packetCount   int64
	byteCount     int64
	droppedCount  int64
	pointCount    int64
	badPackets    int64
	skippedBlocks int64
	lastReset     time.Time

	ldb       *lidardb.LidarDB
	sessionID string
}

func NewPacketStats(ldb *lidardb.LidarDB, sessionID string) *PacketStats {
	return &PacketStats{lastReset: time.Now(), ldb: ldb, sessionID: sessionID}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pointCount += int64(count)
}

func (ps *PacketStats) AddBadPacket() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.badPackets++
}

func (ps *PacketStats) AddSkippedBlocks(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.skippedBlocks += int64(count)
}

func (ps *PacketStats) getAndReset() (row lidardb.DecodeStatsRow, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	row = lidardb.DecodeStatsRow{
		Packets:         ps.packetCount,
		Bytes:           ps.byteCount,
		Points:          ps.pointCount,
		BadPackets:      ps.badPackets,
		SkippedBlocks:   ps.skippedBlocks,
		DroppedForwards: ps.droppedCount,
	}

	ps.packetCount = 0
	ps.byteCount = 0
	ps.droppedCount = 0
	ps.pointCount = 0
	ps.badPackets = 0
	ps.skippedBlocks = 0
	ps.lastReset = now

	return row, duration
}

// LogStats logs the current interval's rates and persists the sample.
func (ps *PacketStats) LogStats(decodePackets bool) {
	row, duration := ps.getAndReset()
	if row.Packets == 0 && row.DroppedForwards == 0 {
		return
	}

	packetsPerSec := float64(row.Packets) / duration.Seconds()
	mbPerSec := float64(row.Bytes) / duration.Seconds() / (1024 * 1024)
	pointsPerSec := float64(row.Points) / duration.Seconds()

	var logMsg string
	if decodePackets && row.Points > 0 {
		logMsg = fmt.Sprintf("Lidar stats (/sec): %.1f MB, %.1f packets, %s points",
			mbPerSec, packetsPerSec, formatWithCommas(int64(pointsPerSec)))
	} else {
		logMsg = fmt.Sprintf("Lidar stats (/sec): %.1f MB, %.1f packets",
			mbPerSec, packetsPerSec)
	}
	if row.BadPackets > 0 {
		logMsg += fmt.Sprintf(", %d rejected", row.BadPackets)
	}
	if row.SkippedBlocks > 0 {
		logMsg += fmt.Sprintf(", %d blocks skipped", row.SkippedBlocks)
	}
	if row.DroppedForwards > 0 {
		logMsg += fmt.Sprintf(", %d dropped on forward", row.DroppedForwards)
	}
	log.Print(logMsg)

	if ps.ldb != nil {
		if err := ps.ldb.RecordDecodeStats(ps.sessionID, row); err != nil {
			log.Printf("Failed to persist decode stats: %v", err)
		}
	}
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	// Construct UDP listen address
	var udpListenAddr string
	if *udpAddress == "" {
		udpListenAddr = fmt.Sprintf(":%d", *udpPort)
	} else {
		udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
	}

	// Initialize database
	ldb, err := lidardb.NewLidarDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to lidar database: %v", err)
	}
	defer ldb.Close()

	// Initialize the packet decoder
	var unpacker network.Unpacker
	rawData := hdl64.NewRawData()
	if !*disableDecode {
		if *calibFile == "" {
			log.Printf("Loading embedded HDL-64E factory calibration")
		} else {
			log.Printf("Loading calibration from %s", *calibFile)
		}
		if err := rawData.Setup(*calibFile, *minRange, *maxRange); err != nil {
			log.Fatalf("Decoder setup failed: %v", err)
		}
		unpacker = rawData
		log.Printf("Lidar packet decoding enabled (range window %.2f-%.2f m)", *minRange, *maxRange)
	} else {
		log.Println("Lidar packet decoding disabled (-no-decode)")
	}

	sessionID, err := ldb.StartSession(udpListenAddr, *calibFile, *minRange, *maxRange, *sessionNotes)
	if err != nil {
		log.Fatalf("Failed to start capture session: %v", err)
	}
	log.Printf("Capture session %s started", sessionID)

	stats := NewPacketStats(ldb, sessionID)

	// Setup packet forwarding if enabled
	var forwarder *network.PacketForwarder
	if *forwardPackets {
		forwarder, err = network.NewPacketForwarder(*forwardAddr, *forwardPort, stats, time.Duration(*logInterval)*time.Second)
		if err != nil {
			log.Fatalf("Failed to create packet forwarder: %v", err)
		}
		defer forwarder.Close()
	}

	listener := network.NewUDPListener(network.UDPListenerConfig{
		Address:       udpListenAddr,
		RcvBuf:        *rcvBuf,
		LogInterval:   time.Duration(*logInterval) * time.Second,
		Stats:         stats,
		Forwarder:     forwarder,
		Unpacker:      unpacker,
		DisableDecode: *disableDecode,
	})

	// Create a wait group for the HTTP server and UDP listener routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start UDP listener routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener error: %v", err)
		}
		log.Print("UDP listener routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// Health check endpoint
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status": "ok", "service": "lidar", "ready": %t, "timestamp": "%s"}`,
				rawData.Ready(), time.Now().UTC().Format(time.RFC3339))
		})

		// Recent capture sessions with aggregated decode stats
		mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
			sessions, err := ldb.RecentSessions(20)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(sessions); err != nil {
				log.Printf("Failed to encode sessions: %v", err)
			}
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()

	if err := ldb.EndSession(sessionID); err != nil {
		log.Printf("Failed to end capture session: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
