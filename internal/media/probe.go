package media

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeAsset inspects a media file with ffprobe and returns its stream
// layout. Failures come back as *OpenError so callers can record them in
// the offline registry instead of treating them as fatal.
func ProbeAsset(path string) (*AssetInfo, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &OpenError{Path: path, Code: "not-found", Message: "file does not exist"}
		}
		return nil, &OpenError{Path: path, Code: "not-found", Message: err.Error()}
	}

	// Natively-decodable audio probes in-process; ffprobe is only needed
	// for containers the engine shells out for anyway.
	if nativeFormat(path) {
		return probeNative(path)
	}

	info := &AssetInfo{Path: path}

	// Audio stream
	if fields, err := probeEntries(path, "a:0", "stream=sample_rate,channels"); err == nil && len(fields) > 0 {
		if v, err := strconv.Atoi(fields["sample_rate"]); err == nil && v > 0 {
			info.SampleRate = v
			info.HasAudio = true
		}
		if v, err := strconv.Atoi(fields["channels"]); err == nil && v > 0 {
			info.Channels = v
		}
	}

	// Video stream
	if fields, err := probeEntries(path, "v:0", "stream=width,height,r_frame_rate"); err == nil && len(fields) > 0 {
		if v, err := strconv.Atoi(fields["width"]); err == nil && v > 0 {
			info.Width = v
			info.HasVideo = true
		}
		if v, err := strconv.Atoi(fields["height"]); err == nil && v > 0 {
			info.Height = v
		}
		if fps := parseRate(fields["r_frame_rate"]); fps > 0 {
			info.FPS = fps
		}
	}

	if !info.HasAudio && !info.HasVideo {
		return nil, &OpenError{Path: path, Code: "no-streams", Message: "no audio or video streams"}
	}

	// Container duration
	if fields, err := probeEntries(path, "", "format=duration"); err == nil {
		if v, err := strconv.ParseFloat(fields["duration"], 64); err == nil && v > 0 {
			info.Duration = v
		}
	}

	return info, nil
}

// probeNative opens the in-process decoder just long enough to read the
// stream parameters and duration
func probeNative(path string) (*AssetInfo, error) {
	src, err := openNativeSource(path)
	if err != nil {
		return nil, &OpenError{Path: path, Code: "probe-failed", Message: err.Error()}
	}
	defer src.Close()

	info := &AssetInfo{
		Path:       path,
		HasAudio:   true,
		SampleRate: src.SampleRate(),
		Channels:   src.Channels(),
	}

	switch s := src.(type) {
	case *wavSource:
		if d, err := s.dec.Duration(); err == nil {
			info.Duration = d.Seconds()
		}
	case *mp3Source:
		// Length reports total s16le stereo bytes: 4 bytes per frame
		if n := s.dec.Length(); n > 0 {
			info.Duration = float64(n/4) / float64(s.SampleRate())
		}
	case *vorbisSource:
		if n := s.r.Length(); n > 0 {
			info.Duration = float64(n) / float64(s.SampleRate())
		}
	}

	return info, nil
}

// probeEntries runs ffprobe for one stream selector and parses key=value output
func probeEntries(path, selector, entries string) (map[string]string, error) {
	args := []string{"-v", "error"}
	if selector != "" {
		args = append(args, "-select_streams", selector)
	}
	args = append(args,
		"-show_entries", entries,
		"-print_format", "default=noprint_wrappers=1",
		path,
	)
	cmd := exec.Command("ffprobe", args...)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &OpenError{Path: path, Code: "probe-failed",
			Message: strings.TrimSpace(stderr.String())}
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		value := strings.TrimSpace(parts[1])
		if value != "" && value != "N/A" {
			fields[strings.ToLower(parts[0])] = value
		}
	}
	return fields, nil
}

// parseRate parses ffprobe rational rates like "30000/1001"
func parseRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
