package detect

import "fmt"

// NewDetector creates a detector for the given variant, loading its
// classifier resources from dir.
func NewDetector(variant, dir string) (Detector, error) {
	switch variant {
	case "pigo", "":
		d, err := NewPigoDetector(dir)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "haar":
		return nil, fmt.Errorf("haar cascade detector not yet implemented")
	default:
		return nil, fmt.Errorf("unknown detector variant: %s", variant)
	}
}
