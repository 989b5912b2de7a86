// Package meta handles the JSON documents that travel with the frames: the
// top-level meta.json describing the rendered camera, and the per-frame bone
// sidecars. Documents are round-tripped generically so fields this tool
// doesn't know about survive into the output tree.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
)

// Camera is the rendered frame geometry from the source tree's meta.json.
type Camera struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VerticalFOV float64 `json:"vertical_fov"`
}

// ReadMeta parses meta.json, returning the whole document plus the camera
// parameters the pipeline needs up front.
func ReadMeta(path string) (map[string]any, Camera, error) {
	var cam Camera

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cam, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cam, fmt.Errorf("parsing %s: %w", path, err)
	}

	var wrapper struct {
		Camera Camera `json:"camera"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, cam, fmt.Errorf("parsing %s camera: %w", path, err)
	}
	cam = wrapper.Camera
	if cam.Width <= 0 || cam.Height <= 0 {
		return nil, cam, fmt.Errorf("%s: camera has no usable width/height", path)
	}

	return doc, cam, nil
}

// WriteMeta writes the output tree's meta.json: the source document with the
// label definitions merged in.
func WriteMeta(path string, doc map[string]any, labels []map[string]any) error {
	doc["labels"] = labels
	doc["n_labels"] = len(labels)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// FlipSidecar rewrites a frame's bone sidecar for the mirrored variant:
// every bone's head and tail X coordinate is negated. Everything else in
// the document is preserved.
func FlipSidecar(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing bone sidecar: %w", err)
	}

	bones, ok := doc["bones"].([]any)
	if !ok {
		return nil, fmt.Errorf("bone sidecar has no \"bones\" array")
	}
	for i, b := range bones {
		bone, ok := b.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bone %d is not an object", i)
		}
		for _, end := range []string{"head", "tail"} {
			pos, ok := bone[end].([]any)
			if !ok || len(pos) != 3 {
				return nil, fmt.Errorf("bone %d has no %s position", i, end)
			}
			x, ok := pos[0].(float64)
			if !ok {
				return nil, fmt.Errorf("bone %d %s x is not a number", i, end)
			}
			pos[0] = -x
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing flipped sidecar: %w", err)
	}
	return append(out, '\n'), nil
}
