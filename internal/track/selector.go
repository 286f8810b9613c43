// Package track selects the primary face of a frame, smooths its geometry
// across frames and maps it into display coordinates.
package track

import "github.com/ayusman/moodlens/internal/detector"

// SelectPrimary returns the valid detection with the largest box area.
// The first valid detection seeds the fold and only a strictly larger area
// replaces the current pick, so ties resolve to the earliest detection.
//
// Malformed entries are skipped; their indices are returned so the caller can
// report each one. primary is nil when no valid detection exists. The returned
// pointer refers to the caller's slice element.
func SelectPrimary(dets []detector.Detection) (primary *detector.Detection, skipped []int) {
	var bestArea float64
	for i := range dets {
		d := &dets[i]
		if !d.Valid() {
			skipped = append(skipped, i)
			continue
		}
		area := d.Box.Area()
		if primary == nil || area > bestArea {
			primary, bestArea = d, area
		}
	}
	return primary, skipped
}
