package models

import "time"

// Image is a catalog image synced from the photo server.
type Image struct {
	ID         string     `json:"id"`
	AssetID    string     `json:"asset_id"`
	Filename   string     `json:"filename"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Equipment  []string   `json:"equipment"`
	Solved     bool       `json:"solved"`
	RA         *float64   `json:"ra,omitempty"`
	Dec        *float64   `json:"dec,omitempty"`
	FOVWidth   *float64   `json:"fov_width,omitempty"`
	FOVHeight  *float64   `json:"fov_height,omitempty"`
	Tags       []string   `json:"tags"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	SolvedAt   *time.Time `json:"solved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ImagePatch is applied to an image once its plate-solving job succeeds.
type ImagePatch struct {
	Solved    bool
	RA        float64
	Dec       float64
	FOVWidth  float64
	FOVHeight float64
	Tags      []string
	SolvedAt  time.Time
}

// PatchFromResult derives the image patch for a successful solve. Field of view is in degrees.
func PatchFromResult(res SolveResult, solvedAt time.Time) ImagePatch {
	patch := ImagePatch{Solved: true, SolvedAt: solvedAt}
	if c := res.Calibration; c != nil {
		patch.RA = c.RA
		patch.Dec = c.Dec
		if c.WidthArcsec > 0 && c.HeightArcsec > 0 {
			patch.FOVWidth = c.WidthArcsec / 3600
			patch.FOVHeight = c.HeightArcsec / 3600
		} else {
			patch.FOVWidth = 2 * c.Radius
			patch.FOVHeight = 2 * c.Radius
		}
	}
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		patch.Tags = append(patch.Tags, tag)
	}
	for _, t := range res.MachineTags {
		add(t)
	}
	for _, a := range res.Annotations {
		for _, n := range a.Names {
			add(n)
		}
	}
	return patch
}
