// Package hdl64 decodes raw Velodyne HDL-64E UDP packets into calibrated
// 3D points.
package hdl64

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/banshee-data/velodyne.report/internal/lidar"
	"github.com/banshee-data/velodyne.report/internal/lidar/calib"
)

/*
HDL-64E LiDAR Packet Decoder

The HDL-64E sends fixed 1206-byte UDP packets containing measurements from
its two banks of 32 lasers, potentially generating up to 384 3D points per
packet.

PACKET STRUCTURE (1206 bytes total):
├── Data Blocks (1200 bytes) - 12 blocks × 100 bytes each, starting at offset 0
│   └── Each block: 2-byte bank header (0xEEFF upper / 0xDDFF lower)
│       + 2-byte azimuth + 32 lasers × 3 bytes (distance + intensity)
├── Revolution counter (2 bytes) - increments (mod 65536) per physical turn
└── Status (4 bytes) - temperature or firmware version encoding

All multi-byte fields are little-endian on the wire and are extracted by
byte position; nothing here assumes host endianness.

DECODER PIPELINE:
1. Packet validation (exact size check, whole packet rejected on mismatch)
2. Azimuth table extraction (all 12 block azimuths, for interpolation)
3. Per-block bank classification with best-effort recovery (a corrupt
   block header skips that block only, never the packet)
4. Per-laser calibration correction and spherical → Cartesian transform
5. Range gating on the corrected range, then append to the caller's cloud

AZIMUTH INTERPOLATION:
The sensor stores one azimuth per block, sampled at the block's first
firing, but the head keeps rotating while the 32 lasers fire. Each laser's
azimuth is de-skewed by interpolating toward the next block's azimuth,
with the delta computed modulo 36000 so the 360°→0° wrap is handled. The
last block has no look-ahead and reuses the previous pair's delta.

REVOLUTION COUNTER:
The device manual describes the trailing 2-byte field as incrementing per
physical turn, but units in the field alternate between two drifting
values every few packets. The decoder surfaces it opaquely in Stats and
makes no monotonicity guarantee.
*/

// HDL-64E packet structure constants. These encode the physical wire
// format and must stay bit-exact.
const (
	PACKET_SIZE        = 1206                            // Total UDP payload size in bytes
	BLOCKS_PER_PACKET  = 12                              // Number of 100-byte data blocks per packet
	SIZE_BLOCK         = 100                             // Block size: header + azimuth + laser data
	SCANS_PER_BLOCK    = 32                              // Laser readings per block (one bank)
	RAW_SCAN_SIZE      = 3                               // Reading size: 2 bytes distance + 1 byte intensity
	BLOCK_DATA_SIZE    = SCANS_PER_BLOCK * RAW_SCAN_SIZE // 96 bytes of readings per block
	SCANS_PER_PACKET   = SCANS_PER_BLOCK * BLOCKS_PER_PACKET
	PACKET_STATUS_SIZE = 4 // Trailing status bytes

	UPPER_BANK = 0xEEFF // Bank header for lasers 0-31
	LOWER_BANK = 0xDDFF // Bank header for lasers 32-63

	// Physical measurement conversion constants
	DISTANCE_RESOLUTION = 0.002 // Distance unit: 2mm per LSB (converts raw values to meters)
	ROTATION_RESOLUTION = 0.01  // Azimuth unit: 0.01 degrees per LSB
	ROTATION_MAX_UNITS  = 36000 // Azimuth values wrap at 360.00 degrees

	// According to the device manual DISTANCE_MAX is 65.0, but valid
	// packets have been observed with readings up to 130.0.
	DISTANCE_MAX = 130.0

	PACKETS_PER_REV = 260 // Nominal packets per physical revolution
	SCANS_PER_REV   = SCANS_PER_PACKET * PACKETS_PER_REV
)

const degToRad = math.Pi / 180.0

// Stats reports what one Unpack call did with a packet.
type Stats struct {
	Emitted       int // Points appended to the output cloud
	NoReturns     int // Readings with raw distance 0 (no laser return)
	OutOfRange    int // Corrected ranges outside the configured window
	SkippedBlocks int // Blocks dropped due to per-block decode errors

	// BlockErrors holds the per-block decode errors recovered during this
	// packet, for caller-side logging and counting.
	BlockErrors []*DecodeError

	// Revolution is the packet's trailing revolution counter, surfaced
	// opaquely. See the package comment: its firmware-specific encoding
	// alternates between drifting values, so callers must not assume it
	// increments monotonically.
	Revolution uint16

	// Status holds the 4 raw trailing status bytes.
	Status [PACKET_STATUS_SIZE]byte
}

// snapshot is the immutable decoding state published by Setup. Reloads
// build a fresh snapshot off to the side and swap the pointer, so
// concurrent Unpack calls always observe a fully-loaded calibration.
type snapshot struct {
	cal      *calib.Calibration
	minRange float64
	maxRange float64
}

// RawData converts raw HDL-64E packets into calibrated points. The zero
// value is not ready; call Setup before Unpack.
type RawData struct {
	state atomic.Pointer[snapshot]
}

// NewRawData returns a decoder in the not-ready state.
func NewRawData() *RawData {
	return &RawData{}
}

// Setup loads per-laser calibration and the valid-range window, then
// atomically publishes them. An empty calibFile selects the embedded
// factory-nominal calibration. Setup may be called again to reload; a
// failed reload returns the decoder to the not-ready state.
func (rd *RawData) Setup(calibFile string, minRange, maxRange float64) error {
	if minRange < 0 || maxRange <= minRange {
		rd.state.Store(nil)
		return fmt.Errorf("hdl64: invalid range window [%v,%v]: need 0 <= min < max", minRange, maxRange)
	}

	var cal *calib.Calibration
	var err error
	if calibFile == "" {
		cal, err = calib.LoadEmbedded()
	} else {
		cal, err = calib.Load(calibFile)
	}
	if err != nil {
		rd.state.Store(nil)
		return &SetupError{Path: calibFile, Err: err}
	}

	rd.state.Store(&snapshot{cal: cal, minRange: minRange, maxRange: maxRange})
	return nil
}

// Ready reports whether Setup has completed successfully.
func (rd *RawData) Ready() bool {
	return rd.state.Load() != nil
}

// Unpack decodes one 1206-byte packet, appending every in-range calibrated
// point to cloud. It never clears or shrinks cloud; the caller owns the
// buffer and its reuse across packets.
//
// A wrong-length packet fails with a BadLength DecodeError and appends
// nothing. Corrupt blocks are skipped and reported via Stats.BlockErrors
// while the rest of the packet is still decoded.
func (rd *RawData) Unpack(packet []byte, cloud *lidar.PointCloud) (Stats, error) {
	state := rd.state.Load()
	if state == nil {
		return Stats{}, ErrNotReady
	}

	if len(packet) != PACKET_SIZE {
		return Stats{}, &DecodeError{
			Reason: BadLength,
			Block:  -1,
			Detail: fmt.Sprintf("expected %d bytes, got %d", PACKET_SIZE, len(packet)),
		}
	}

	var stats Stats
	stats.Revolution = binary.LittleEndian.Uint16(packet[1200:1202])
	copy(stats.Status[:], packet[1202:1206])

	// Extract all block azimuths up front so each block can interpolate
	// toward its successor's azimuth.
	var azimuths [BLOCKS_PER_PACKET]uint16
	for i := 0; i < BLOCKS_PER_PACKET; i++ {
		offset := i * SIZE_BLOCK
		azimuths[i] = binary.LittleEndian.Uint16(packet[offset+2 : offset+4])
	}

	// Per-block azimuth delta to the next block, modulo the 360°→0° wrap.
	// Deltas are only taken between in-domain azimuths: a corrupt azimuth
	// invalidates its own block below, and must not skew the preceding
	// block's interpolation either. Blocks without a usable look-ahead
	// (corrupt successor, or the last block) reuse the previous delta.
	var azimuthDiffs [BLOCKS_PER_PACKET]float64
	for i := 0; i < BLOCKS_PER_PACKET; i++ {
		if i+1 < BLOCKS_PER_PACKET &&
			azimuths[i] < ROTATION_MAX_UNITS && azimuths[i+1] < ROTATION_MAX_UNITS {
			diff := (int(azimuths[i+1]) - int(azimuths[i]) + ROTATION_MAX_UNITS) % ROTATION_MAX_UNITS
			azimuthDiffs[i] = float64(diff)
		} else if i > 0 {
			azimuthDiffs[i] = azimuthDiffs[i-1]
		}
	}

	for blockIdx := 0; blockIdx < BLOCKS_PER_PACKET; blockIdx++ {
		offset := blockIdx * SIZE_BLOCK

		// Classify the bank from the block header. An unrecognised header
		// invalidates this block only.
		var ringBase int
		switch header := binary.LittleEndian.Uint16(packet[offset : offset+2]); header {
		case UPPER_BANK:
			ringBase = 0
		case LOWER_BANK:
			ringBase = SCANS_PER_BLOCK
		default:
			stats.SkippedBlocks++
			stats.BlockErrors = append(stats.BlockErrors, &DecodeError{
				Reason: UnknownBank,
				Block:  blockIdx,
				Detail: fmt.Sprintf("header 0x%04X is neither 0x%04X nor 0x%04X", header, uint16(UPPER_BANK), uint16(LOWER_BANK)),
			})
			continue
		}

		// Azimuth values at or beyond 36000 are outside the encoding's
		// valid domain; treat them as block corruption rather than
		// guessing a wraparound the sensor never emits.
		baseAzimuth := azimuths[blockIdx]
		if baseAzimuth >= ROTATION_MAX_UNITS {
			stats.SkippedBlocks++
			stats.BlockErrors = append(stats.BlockErrors, &DecodeError{
				Reason: BadAzimuth,
				Block:  blockIdx,
				Detail: fmt.Sprintf("rotation %d outside [0,%d)", baseAzimuth, ROTATION_MAX_UNITS),
			})
			continue
		}

		for scanIdx := 0; scanIdx < SCANS_PER_BLOCK; scanIdx++ {
			scanOffset := offset + 4 + scanIdx*RAW_SCAN_SIZE
			rawDistance := binary.LittleEndian.Uint16(packet[scanOffset : scanOffset+2])

			// Raw distance 0 means no laser return; such readings are
			// discarded before filtering and never become points.
			if rawDistance == 0 {
				stats.NoReturns++
				continue
			}

			intensity := packet[scanOffset+2]
			ring := ringBase + scanIdx

			// De-skew the azimuth across the block's firing sequence.
			azimuthUnits := float64(baseAzimuth) + azimuthDiffs[blockIdx]*float64(scanIdx)/SCANS_PER_BLOCK
			if azimuthUnits >= ROTATION_MAX_UNITS {
				azimuthUnits -= ROTATION_MAX_UNITS
			}
			azimuthDeg := azimuthUnits * ROTATION_RESOLUTION
			azimuthRad := azimuthDeg * degToRad

			distanceM := float64(rawDistance) * DISTANCE_RESOLUTION

			correction := state.cal.Lookup(ring)
			x, y, z, correctedRange := correction.Correct(distanceM, azimuthRad)

			// Gate on the corrected range: the calibration's distance
			// correction can move a reading across the window boundary.
			if !pointInRange(correctedRange, state.minRange, state.maxRange) {
				stats.OutOfRange++
				continue
			}

			cloud.Append(lidar.Point{
				X:         x,
				Y:         y,
				Z:         z,
				Intensity: intensity,
				Ring:      ring,
				Azimuth:   azimuthDeg,
				Distance:  correctedRange,
			})
			stats.Emitted++
		}
	}

	return stats, nil
}
