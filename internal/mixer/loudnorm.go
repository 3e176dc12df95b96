package mixer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Measurement holds the loudness statistics from an analysis pass. ffmpeg's
// loudnorm filter prints these as a JSON block at the end of stderr; the
// values feed the second pass so normalization is applied linearly against
// real measurements instead of the filter's blind dynamic mode.
type Measurement struct {
	// InputI is the integrated loudness in LUFS.
	InputI float64
	// InputTP is the true peak in dBTP.
	InputTP float64
	// InputLRA is the loudness range in LU.
	InputLRA float64
	// InputThresh is the gating threshold in LUFS.
	InputThresh float64
	// TargetOffset is the residual offset ffmpeg suggests for pass two.
	TargetOffset float64
}

// loudnormJSON mirrors the filter's print_format=json output. All fields are
// emitted as strings.
type loudnormJSON struct {
	InputI       string `json:"input_i"`
	InputTP      string `json:"input_tp"`
	InputLRA     string `json:"input_lra"`
	InputThresh  string `json:"input_thresh"`
	TargetOffset string `json:"target_offset"`
}

// parseLoudnorm extracts the measurement JSON block from ffmpeg stderr.
func parseLoudnorm(stderr string) (Measurement, error) {
	start := strings.LastIndex(stderr, "{")
	end := strings.LastIndex(stderr, "}")
	if start < 0 || end <= start {
		return Measurement{}, fmt.Errorf("no loudnorm JSON block in ffmpeg output")
	}

	var raw loudnormJSON
	if err := json.Unmarshal([]byte(stderr[start:end+1]), &raw); err != nil {
		return Measurement{}, fmt.Errorf("parse loudnorm block: %w", err)
	}

	var (
		m   Measurement
		err error
	)
	if m.InputI, err = parseLevel(raw.InputI); err != nil {
		return Measurement{}, fmt.Errorf("input_i: %w", err)
	}
	if m.InputTP, err = parseLevel(raw.InputTP); err != nil {
		return Measurement{}, fmt.Errorf("input_tp: %w", err)
	}
	if m.InputLRA, err = parseLevel(raw.InputLRA); err != nil {
		return Measurement{}, fmt.Errorf("input_lra: %w", err)
	}
	if m.InputThresh, err = parseLevel(raw.InputThresh); err != nil {
		return Measurement{}, fmt.Errorf("input_thresh: %w", err)
	}
	if m.TargetOffset, err = parseLevel(raw.TargetOffset); err != nil {
		return Measurement{}, fmt.Errorf("target_offset: %w", err)
	}
	return m, nil
}

// parseLevel converts a loudnorm string value, clamping the filter's
// "-inf" marker (digital silence) to the measurement floor.
func parseLevel(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "-inf" {
		return -99, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
