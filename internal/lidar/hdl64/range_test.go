package hdl64

import (
	"encoding/binary"
	"testing"

	"github.com/banshee-data/velodyne.report/internal/lidar"
)

func TestPointInRange(t *testing.T) {
	cases := []struct {
		name     string
		rangeM   float64
		min, max float64
		want     bool
	}{
		{"inside", 10.0, 1.0, 50.0, true},
		{"at min", 1.0, 1.0, 50.0, true},
		{"at max", 50.0, 1.0, 50.0, true},
		{"below min", 0.999, 1.0, 50.0, false},
		{"above max", 50.001, 1.0, 50.0, false},
		{"zero window min", 0.0, 0.0, 130.0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pointInRange(tc.rangeM, tc.min, tc.max); got != tc.want {
				t.Errorf("pointInRange(%v, %v, %v) = %v, want %v",
					tc.rangeM, tc.min, tc.max, got, tc.want)
			}
		})
	}
}

// TestRangeGateBoundaries drives the boundary cases through the full
// decoder: raw 500 and 25000 land exactly on a [1.0,50.0] window with
// zero distance correction, raw 499 and 25001 fall one LSB outside it.
func TestRangeGateBoundaries(t *testing.T) {
	rd := newTestDecoder(t, 1.0, 50.0)

	cases := []struct {
		raw  uint16
		kept bool
	}{
		{500, true},    // exactly min_range
		{25000, true},  // exactly max_range
		{499, false},   // one LSB below min_range
		{25001, false}, // one LSB above max_range
	}
	for _, tc := range cases {
		packet := buildTestPacket(0, tc.raw, 10)
		var cloud lidar.PointCloud
		stats, err := rd.Unpack(packet, &cloud)
		if err != nil {
			t.Fatalf("Unpack failed for raw distance %d: %v", tc.raw, err)
		}
		if tc.kept {
			if cloud.Len() != SCANS_PER_PACKET {
				t.Errorf("Raw %d: expected all %d points kept, got %d",
					tc.raw, SCANS_PER_PACKET, cloud.Len())
			}
		} else {
			if cloud.Len() != 0 {
				t.Errorf("Raw %d: expected all points discarded, got %d", tc.raw, cloud.Len())
			}
			if stats.OutOfRange != SCANS_PER_PACKET {
				t.Errorf("Raw %d: expected %d out-of-range readings, got %d",
					tc.raw, SCANS_PER_PACKET, stats.OutOfRange)
			}
		}
	}
}

// TestDistanceConversion checks the raw-to-meters scaling across the raw
// distance domain using a window wide enough to keep everything.
func TestDistanceConversion(t *testing.T) {
	rd := newTestDecoder(t, 0.0, 65535*DISTANCE_RESOLUTION)

	for _, raw := range []uint16{1, 500, 5000, 32767, 65535} {
		packet := buildTestPacket(0, raw, 10)
		var cloud lidar.PointCloud
		if _, err := rd.Unpack(packet, &cloud); err != nil {
			t.Fatalf("Unpack failed for raw distance %d: %v", raw, err)
		}
		if cloud.Len() == 0 {
			t.Fatalf("Raw %d: no points emitted", raw)
		}
		want := float64(raw) * DISTANCE_RESOLUTION
		if got := cloud.Points[0].Distance; got != want {
			t.Errorf("Raw %d: expected %v meters, got %v", raw, want, got)
		}
	}
}

// Mixed-bank packet mirroring the sensor's real 3:1 upper/lower block
// interleave within a revolution.
func TestMixedBankPacket(t *testing.T) {
	rd := newTestDecoder(t, 1.0, 50.0)

	packet := buildTestPacket(100, 5000, 10)
	// Every fourth block reports the lower bank.
	for block := 3; block < BLOCKS_PER_PACKET; block += 4 {
		binary.LittleEndian.PutUint16(packet[block*SIZE_BLOCK:block*SIZE_BLOCK+2], LOWER_BANK)
	}

	var cloud lidar.PointCloud
	if _, err := rd.Unpack(packet, &cloud); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	upper, lower := 0, 0
	for _, p := range cloud.Points {
		if p.Ring < SCANS_PER_BLOCK {
			upper++
		} else {
			lower++
		}
	}
	if upper != 9*SCANS_PER_BLOCK || lower != 3*SCANS_PER_BLOCK {
		t.Errorf("Expected 288 upper / 96 lower points, got %d / %d", upper, lower)
	}
}
