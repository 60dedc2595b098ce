// Package lidar holds the shared point model produced by the HDL-64E
// packet decoder and consumed by the ingestion and storage layers.
package lidar

// Point represents a single calibrated laser return in the sensor's
// Cartesian reference frame.
//
// Coordinate system: X=right, Y=forward, Z=up (matches LidarView and
// CloudCompare conventions).
type Point struct {
	X, Y, Z   float64 // Position in meters, sensor frame
	Intensity uint8   // Laser return intensity (0-255)
	Ring      int     // Physical laser id (0-63), stable for the sensor's lifetime
	Azimuth   float64 // Interpolated firing azimuth in degrees [0,360)
	Distance  float64 // Corrected range in meters
}

// PointCloud is a caller-owned, growable collection of points. The decoder
// only ever appends to it; clearing and reuse across packets is the
// caller's concern, which lets a receive loop recycle one backing array.
type PointCloud struct {
	Points []Point
}

// Append adds a point to the cloud.
func (pc *PointCloud) Append(p Point) {
	pc.Points = append(pc.Points, p)
}

// Len returns the number of points currently in the cloud.
func (pc *PointCloud) Len() int {
	return len(pc.Points)
}

// Reset truncates the cloud while keeping the backing array for reuse.
func (pc *PointCloud) Reset() {
	pc.Points = pc.Points[:0]
}
