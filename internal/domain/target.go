package domain

import "errors"

// TargetMode describes how recipients were selected.
type TargetMode string

const (
	TargetGeometry   TargetMode = "GEOMETRY"
	TargetRegionWide TargetMode = "REGION_WIDE"
)

// Targeting is the outcome of resolving an alert's audience.
type Targeting struct {
	Mode       TargetMode
	Recipients []Recipient

	// Fallback is set when the alert carried an affected area that failed
	// validation and targeting fell back to region-wide.
	Fallback *GeometryError

	// Skipped counts recipients dropped for having no token, a duplicate
	// token, or (geometry mode) no known location.
	Skipped int
}

// Tokens returns the push tokens of the selected recipients, in order.
func (t Targeting) Tokens() []string {
	out := make([]string, len(t.Recipients))
	for i, r := range t.Recipients {
		out[i] = r.PushToken
	}
	return out
}

// ResolveTargets selects the recipients of an alert from a directory
// snapshot. It is pure: the same alert and snapshot always produce the same
// recipients in directory order. Each push token is selected at most once.
func ResolveTargets(alert Alert, directory []Recipient) Targeting {
	t := Targeting{Mode: TargetRegionWide}

	area := alert.AffectedArea
	if len(area) > 0 {
		if err := area.Validate(); err != nil {
			errors.As(err, &t.Fallback)
			area = nil
		} else {
			t.Mode = TargetGeometry
		}
	}

	seen := make(map[string]struct{}, len(directory))
	t.Recipients = make([]Recipient, 0, len(directory))
	for _, r := range directory {
		if r.PushToken == "" {
			t.Skipped++
			continue
		}
		if _, dup := seen[r.PushToken]; dup {
			t.Skipped++
			continue
		}
		if t.Mode == TargetGeometry {
			if r.LastKnownLocation == nil || !area.Contains(*r.LastKnownLocation) {
				if r.LastKnownLocation == nil {
					t.Skipped++
				}
				continue
			}
		}
		seen[r.PushToken] = struct{}{}
		t.Recipients = append(t.Recipients, r)
	}
	return t
}
