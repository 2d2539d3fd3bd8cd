package engine

import (
	"sort"
	"strings"
)

// Format presets mirror the submission form of the web client.
var FormatPresets = []string{
	"Smart (best combined)",
	"Video + Audio (muxed)",
	"Audio only",
	"Subtitle + metadata",
	"Playlist (flat)",
}

// AudioCodecs are the accepted transcode targets for the audio-only preset.
var AudioCodecs = []string{"mp3", "m4a", "wav", "opus"}

// QualityOption is one entry of the quality picker.
type QualityOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Hint  string `json:"hint"`
}

// QualityOptions maps user-facing labels to engine quality filters.
var QualityOptions = []QualityOption{
	{Label: "Auto (best)", Value: "best", Hint: "Fallback to preset logic."},
	{Label: "144p", Value: "bestvideo[height<=144]+bestaudio/best", Hint: "Usable on slow connections."},
	{Label: "240p", Value: "bestvideo[height<=240]+bestaudio/best", Hint: "Small files for notes."},
	{Label: "360p", Value: "bestvideo[height<=360]+bestaudio/best", Hint: "Balanced for devices."},
	{Label: "480p", Value: "bestvideo[height<=480]+bestaudio/best", Hint: "Portable + readable."},
	{Label: "720p", Value: "bestvideo[height<=720]+bestaudio/best", Hint: "HD without huge files."},
	{Label: "1080p", Value: "bestvideo[height<=1080]+bestaudio/best", Hint: "Full HD downloads."},
	{Label: "1440p", Value: "bestvideo[height<=1440]+bestaudio/best", Hint: "Quad HD rigs."},
	{Label: "2160p", Value: "bestvideo[height<=2160]+bestaudio/best", Hint: "Ultra HD + 4K."},
}

// SubmitOptions carries the caller-supplied shape of a submission. The same
// options apply to every URL in the batch.
type SubmitOptions struct {
	OutputDir        string   `json:"output_dir"`
	FormatMode       string   `json:"format_mode"`
	AudioCodec       string   `json:"audio_codec"`
	QualityFilter    string   `json:"quality_filter"`
	QualityLabel     string   `json:"quality_label"`
	SubtitleLangs    []string `json:"subtitle_langs"`
	Proxy            string   `json:"proxy"`
	PlaylistLimit    int      `json:"playlist_limit"`
	FilenameTemplate string   `json:"filename_template"`
	RateLimitKiB     float64  `json:"rate_limit"`
	Simulate         bool     `json:"simulate"`
	Tags             []string `json:"tags"`
	Notes            string   `json:"notes"`
	Priority         int      `json:"priority"`
}

const (
	minPriority     = 1
	maxPriority     = 10
	defaultPriority = 3
)

// normalize fills defaults and collapses tag duplicates. Validation errors are
// reported separately by validate.
func (o *SubmitOptions) normalize() {
	if o.FormatMode == "" {
		o.FormatMode = FormatPresets[0]
	}
	if o.AudioCodec == "" {
		o.AudioCodec = AudioCodecs[0]
	}
	if o.QualityFilter == "" {
		o.QualityFilter = QualityOptions[0].Value
	}
	if o.QualityLabel == "" {
		for _, q := range QualityOptions {
			if q.Value == o.QualityFilter {
				o.QualityLabel = q.Label
				break
			}
		}
	}
	if o.Priority == 0 {
		o.Priority = defaultPriority
	}
	if o.Priority < minPriority {
		o.Priority = minPriority
	}
	if o.Priority > maxPriority {
		o.Priority = maxPriority
	}
	o.Tags = dedupeTags(o.Tags)
}

// validate checks the option set against the known presets.
func (o *SubmitOptions) validate() error {
	if !contains(FormatPresets, o.FormatMode) {
		return &ValidationError{Reason: "unknown format preset: " + o.FormatMode}
	}
	if !contains(AudioCodecs, o.AudioCodec) {
		return &ValidationError{Reason: "unknown audio codec: " + o.AudioCodec}
	}
	known := false
	for _, q := range QualityOptions {
		if q.Value == o.QualityFilter {
			known = true
			break
		}
	}
	if !known {
		return &ValidationError{Reason: "unknown quality filter: " + o.QualityFilter}
	}
	if o.PlaylistLimit < 0 {
		return &ValidationError{Reason: "playlist limit must be non-negative"}
	}
	if o.RateLimitKiB < 0 {
		return &ValidationError{Reason: "rate limit must be non-negative"}
	}
	return nil
}

// dedupeTags trims, collapses duplicates, and drops empties. The result is
// sorted so two equal tag sets compare equal.
func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
