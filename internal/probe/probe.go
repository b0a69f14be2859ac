package probe

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"os/exec"
	"strings"

	"github.com/spf13/cast"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

// RawProbe is the tool output in ffprobe's shape. The mediainfo fallback is
// normalized into the same structure.
type RawProbe struct {
	Format  Format   `json:"format"`
	Streams []Stream `json:"streams"`
}

type Format struct {
	Duration   string `json:"duration,omitempty"`
	BitRate    string `json:"bit_rate,omitempty"`
	FormatName string `json:"format_name,omitempty"`
}

type Stream struct {
	CodecType    string            `json:"codec_type,omitempty"`
	CodecName    string            `json:"codec_name,omitempty"`
	Width        *int              `json:"width,omitempty"`
	Height       *int              `json:"height,omitempty"`
	Channels     *int              `json:"channels,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (r *RawProbe) Empty() bool {
	return r == nil || (len(r.Streams) == 0 && r.Format == Format{})
}

// FirstStream returns the first stream of the given codec type, or nil.
func (r *RawProbe) FirstStream(codecType string) *Stream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == codecType {
			return &r.Streams[i]
		}
	}
	return nil
}

func (r *RawProbe) subtitleStreams() []Stream {
	var subs []Stream
	for _, s := range r.Streams {
		if s.CodecType == "subtitle" {
			subs = append(subs, s)
		}
	}
	return subs
}

// FrameRate parses avg_frame_rate (or r_frame_rate) as either a "num/den"
// ratio or a plain float. Unparseable values and zero denominators yield nil.
func (s *Stream) FrameRate() *float64 {
	value := s.AvgFrameRate
	if value == "" {
		value = s.RFrameRate
	}
	if value == "" || value == "0/0" {
		return nil
	}
	if strings.Contains(value, "/") {
		parts := strings.SplitN(value, "/", 2)
		num, err1 := cast.ToFloat64E(parts[0])
		den, err2 := cast.ToFloat64E(parts[1])
		if err1 != nil || err2 != nil || den == 0 {
			return nil
		}
		rate := math.Round(num/den*1000) / 1000
		return &rate
	}
	rate, err := cast.ToFloat64E(value)
	if err != nil {
		return nil
	}
	return &rate
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Prober extracts container and stream facts with ffprobe, falling back to
// mediainfo when ffprobe is unavailable or errors out.
type Prober struct {
	ffprobePath   string
	mediainfoPath string
	run           commandRunner
}

func NewProber(ffprobePath, mediainfoPath string) *Prober {
	return &Prober{
		ffprobePath:   ffprobePath,
		mediainfoPath: mediainfoPath,
		run:           runCommand,
	}
}

// Probe never fails: on total tool failure it returns an empty result.
func (p *Prober) Probe(ctx context.Context, path string) *RawProbe {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration,bit_rate,format_name",
		"-show_streams",
		"-of", "json",
		path,
	}
	output, err := p.run(ctx, p.ffprobePath, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			log.Printf("Probe: ffprobe not available, using mediainfo for %s", path)
			return p.probeWithMediaInfo(ctx, path)
		}
		log.Printf("Probe: ffprobe failed for %s: %v", path, err)
		if fallback := p.probeWithMediaInfo(ctx, path); !fallback.Empty() {
			return fallback
		}
		return &RawProbe{}
	}

	var result RawProbe
	if err := json.Unmarshal(output, &result); err != nil {
		log.Printf("Probe: failed to parse ffprobe output for %s: %v", path, err)
		return &RawProbe{}
	}
	return &result
}

type mediaInfoOutput struct {
	Media struct {
		Tracks []mediaInfoTrack `json:"track"`
	} `json:"media"`
}

type mediaInfoTrack struct {
	Type           string `json:"@type"`
	Format         string `json:"Format"`
	Duration       string `json:"Duration"`
	OverallBitRate string `json:"OverallBitRate"`
	Width          string `json:"Width"`
	Height         string `json:"Height"`
	FrameRate      string `json:"FrameRate"`
	Channels       string `json:"Channels"`
	Language       string `json:"Language"`
}

func (p *Prober) probeWithMediaInfo(ctx context.Context, path string) *RawProbe {
	output, err := p.run(ctx, p.mediainfoPath, "--Output=JSON", path)
	if err != nil {
		log.Printf("Probe: mediainfo failed for %s: %v", path, err)
		return &RawProbe{}
	}

	var parsed mediaInfoOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		log.Printf("Probe: failed to parse mediainfo output for %s: %v", path, err)
		return &RawProbe{}
	}

	result := &RawProbe{}
	for _, track := range parsed.Media.Tracks {
		switch track.Type {
		case "General":
			result.Format = Format{
				Duration:   track.Duration,
				BitRate:    track.OverallBitRate,
				FormatName: track.Format,
			}
		case "Video":
			stream := Stream{
				CodecType:    "video",
				CodecName:    track.Format,
				AvgFrameRate: track.FrameRate,
			}
			if w, err := cast.ToIntE(track.Width); err == nil && w > 0 {
				stream.Width = &w
			}
			if h, err := cast.ToIntE(track.Height); err == nil && h > 0 {
				stream.Height = &h
			}
			result.Streams = append(result.Streams, stream)
		case "Audio":
			stream := Stream{
				CodecType: "audio",
				CodecName: track.Format,
			}
			if ch, err := cast.ToIntE(track.Channels); err == nil && ch > 0 {
				stream.Channels = &ch
			}
			result.Streams = append(result.Streams, stream)
		case "Text":
			result.Streams = append(result.Streams, Stream{
				CodecType: "subtitle",
				CodecName: track.Format,
				Tags:      map[string]string{"language": track.Language},
			})
		}
	}
	return result
}

// Apply maps probe facts onto the file record and retains the raw output.
func Apply(file *models.MediaFile, raw *RawProbe) {
	if raw.Empty() {
		return
	}

	if raw.Format.Duration != "" {
		if seconds, err := cast.ToFloat64E(raw.Format.Duration); err == nil && seconds > 0 {
			ms := int64(seconds * 1000)
			file.DurationMS = &ms
		}
	}
	if raw.Format.BitRate != "" {
		if bitRate, err := cast.ToInt64E(raw.Format.BitRate); err == nil && bitRate > 0 {
			file.BitRate = &bitRate
		}
	}
	if raw.Format.FormatName != "" {
		container := strings.SplitN(raw.Format.FormatName, ",", 2)[0]
		file.Container = &container
	}

	if video := raw.FirstStream("video"); video != nil {
		codec := video.CodecName
		file.VideoCodec = &codec
		file.Width = video.Width
		file.Height = video.Height
		file.FrameRate = video.FrameRate()
	}
	if audio := raw.FirstStream("audio"); audio != nil {
		codec := audio.CodecName
		file.AudioCodec = &codec
		file.AudioChannels = audio.Channels
	}

	subs := raw.subtitleStreams()
	file.HasSubtitles = len(subs) > 0
	if len(subs) > 0 {
		languages := make([]string, 0, len(subs))
		for _, s := range subs {
			lang := s.Tags["language"]
			if lang == "" {
				lang = "und"
			}
			languages = append(languages, lang)
		}
		file.SubtitleLanguages = languages
	}

	if data, err := json.Marshal(raw); err == nil {
		file.ProbeData = data
	}
}
