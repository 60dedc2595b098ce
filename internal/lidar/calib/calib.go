// Package calib loads per-laser geometric calibration for the Velodyne
// HDL-64E and applies the beam correction that turns a raw (distance,
// azimuth) measurement into a Cartesian point.
//
// The calibration file uses the YAML layout shipped with the sensor's
// host tools: one entry per laser with angular corrections in radians and
// offset/distance corrections in meters. A factory-nominal HDL-64E S2
// calibration is embedded in the binary for sensors that have never been
// individually calibrated.
package calib

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// NumLasers is the number of physical lasers on the HDL-64E: two banks
// of 32 detectors reported in alternating data blocks.
const NumLasers = 64

//go:embed hdl64e_s2.yaml
var embeddedCalibration []byte

// LaserCorrection holds the per-laser calibration parameters from the
// sensor's calibration file. Angles are radians, offsets and distance
// correction are meters.
type LaserCorrection struct {
	LaserID               int     `yaml:"laser_id"`
	RotCorrection         float64 `yaml:"rot_correction"`
	VertCorrection        float64 `yaml:"vert_correction"`
	DistCorrection        float64 `yaml:"dist_correction"`
	VertOffsetCorrection  float64 `yaml:"vert_offset_correction"`
	HorizOffsetCorrection float64 `yaml:"horiz_offset_correction"`

	// Precomputed trig of the fixed correction angles. Computing these
	// once at load time keeps the per-point hot path to four math calls.
	cosRot, sinRot   float64
	cosVert, sinVert float64
}

// Correct applies this laser's calibration to one measurement and returns
// the Cartesian position plus the corrected range used for range gating.
//
// distanceM is the raw reading converted to meters, azimuthRad the block
// azimuth in radians. The function is pure and monotonic in distanceM for
// fixed angles.
func (lc *LaserCorrection) Correct(distanceM, azimuthRad float64) (x, y, z, r float64) {
	r = distanceM + lc.DistCorrection

	// Rotate the azimuth by the per-laser rotational correction using the
	// angle-difference identities so only the block azimuth needs trig.
	cosAz := math.Cos(azimuthRad)
	sinAz := math.Sin(azimuthRad)
	cosRotAngle := cosAz*lc.cosRot + sinAz*lc.sinRot
	sinRotAngle := sinAz*lc.cosRot - cosAz*lc.sinRot

	xyDistance := r*lc.cosVert - lc.VertOffsetCorrection*lc.sinVert

	x = xyDistance*sinRotAngle - lc.HorizOffsetCorrection*cosRotAngle
	y = xyDistance*cosRotAngle + lc.HorizOffsetCorrection*sinRotAngle
	z = r*lc.sinVert + lc.VertOffsetCorrection*lc.cosVert
	return x, y, z, r
}

// Calibration is the immutable set of corrections for all 64 lasers,
// indexed by laser id. It is safe for concurrent readers once built.
type Calibration struct {
	lasers [NumLasers]LaserCorrection
}

// calibrationFile mirrors the on-disk YAML document.
type calibrationFile struct {
	NumLasers int               `yaml:"num_lasers"`
	Lasers    []LaserCorrection `yaml:"lasers"`
}

// New builds a Calibration from explicit laser corrections. Every laser id
// in [0,64) must appear exactly once.
func New(lasers []LaserCorrection) (*Calibration, error) {
	if len(lasers) != NumLasers {
		return nil, fmt.Errorf("expected %d laser corrections, got %d", NumLasers, len(lasers))
	}

	var cal Calibration
	var seen [NumLasers]bool
	for _, lc := range lasers {
		if lc.LaserID < 0 || lc.LaserID >= NumLasers {
			return nil, fmt.Errorf("laser id %d out of range (0-%d)", lc.LaserID, NumLasers-1)
		}
		if seen[lc.LaserID] {
			return nil, fmt.Errorf("duplicate calibration entry for laser %d", lc.LaserID)
		}
		seen[lc.LaserID] = true

		lc.cosRot = math.Cos(lc.RotCorrection)
		lc.sinRot = math.Sin(lc.RotCorrection)
		lc.cosVert = math.Cos(lc.VertCorrection)
		lc.sinVert = math.Sin(lc.VertCorrection)
		cal.lasers[lc.LaserID] = lc
	}
	return &cal, nil
}

// Load reads a calibration YAML file from disk.
func Load(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file %s: %w", path, err)
	}
	return parse(data)
}

// LoadEmbedded returns the factory-nominal HDL-64E S2 calibration compiled
// into the binary.
func LoadEmbedded() (*Calibration, error) {
	return parse(embeddedCalibration)
}

func parse(data []byte) (*Calibration, error) {
	var file calibrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse calibration YAML: %w", err)
	}
	if file.NumLasers != NumLasers {
		return nil, fmt.Errorf("calibration file declares %d lasers, expected %d", file.NumLasers, NumLasers)
	}
	return New(file.Lasers)
}

// Lookup returns the correction for one laser id. The returned pointer
// refers to read-only data shared by all callers.
func (c *Calibration) Lookup(laserID int) *LaserCorrection {
	return &c.lasers[laserID]
}

// VertAngle reports a laser's corrected vertical angle in radians.
// Exposed for tools that bucket points by elevation.
func (c *Calibration) VertAngle(laserID int) float64 {
	return c.lasers[laserID].VertCorrection
}
