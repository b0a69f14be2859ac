package probe

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

const ffprobeJSON = `{
	"format": {"duration": "120.5", "bit_rate": "1500000", "format_name": "matroska,webm"},
	"streams": [
		{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "24000/1001"},
		{"codec_type": "audio", "codec_name": "aac", "channels": 6},
		{"codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "eng"}}
	]
}`

const mediainfoJSON = `{
	"media": {
		"track": [
			{"@type": "General", "Format": "Matroska", "Duration": "120.5", "OverallBitRate": "1500000"},
			{"@type": "Video", "Format": "AVC", "Width": "1920", "Height": "1080", "FrameRate": "23.976"},
			{"@type": "Audio", "Format": "AAC", "Channels": "6"},
			{"@type": "Text", "Format": "UTF-8", "Language": "en"}
		]
	}
}`

type runnerCall struct {
	name string
	args []string
}

func TestProbeParsesFFprobeOutput(t *testing.T) {
	var calls []runnerCall
	p := NewProber("ffprobe", "mediainfo")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, runnerCall{name: name, args: args})
		return []byte(ffprobeJSON), nil
	}

	raw := p.Probe(context.Background(), "/media/movie.mkv")
	require.NotNil(t, raw)
	require.False(t, raw.Empty())

	require.Len(t, calls, 1)
	assert.Equal(t, "ffprobe", calls[0].name)
	assert.Contains(t, calls[0].args, "-show_streams")
	assert.Equal(t, "/media/movie.mkv", calls[0].args[len(calls[0].args)-1])

	assert.Equal(t, "matroska,webm", raw.Format.FormatName)
	assert.Equal(t, "120.5", raw.Format.Duration)

	video := raw.FirstStream("video")
	require.NotNil(t, video)
	assert.Equal(t, "h264", video.CodecName)
	assert.Equal(t, 1920, *video.Width)
	assert.Equal(t, 1080, *video.Height)

	audio := raw.FirstStream("audio")
	require.NotNil(t, audio)
	assert.Equal(t, 6, *audio.Channels)
}

func TestProbeFallsBackWhenFFprobeMissing(t *testing.T) {
	var calls []runnerCall
	p := NewProber("ffprobe", "mediainfo")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, runnerCall{name: name, args: args})
		if name == "ffprobe" {
			return nil, &exec.Error{Name: "ffprobe", Err: exec.ErrNotFound}
		}
		return []byte(mediainfoJSON), nil
	}

	raw := p.Probe(context.Background(), "/media/movie.mkv")
	require.False(t, raw.Empty())

	require.Len(t, calls, 2)
	assert.Equal(t, "mediainfo", calls[1].name)
	assert.Contains(t, calls[1].args, "--Output=JSON")

	assert.Equal(t, "Matroska", raw.Format.FormatName)
	video := raw.FirstStream("video")
	require.NotNil(t, video)
	assert.Equal(t, "AVC", video.CodecName)
	assert.Equal(t, 1920, *video.Width)
	require.NotNil(t, video.FrameRate())
	assert.InDelta(t, 23.976, *video.FrameRate(), 0.001)

	audio := raw.FirstStream("audio")
	require.NotNil(t, audio)
	assert.Equal(t, 6, *audio.Channels)

	sub := raw.FirstStream("subtitle")
	require.NotNil(t, sub)
	assert.Equal(t, "en", sub.Tags["language"])
}

func TestProbeFallsBackWhenFFprobeErrors(t *testing.T) {
	p := NewProber("ffprobe", "mediainfo")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "ffprobe" {
			return nil, errors.New("exit status 1")
		}
		return []byte(mediainfoJSON), nil
	}

	raw := p.Probe(context.Background(), "/media/movie.mkv")
	require.False(t, raw.Empty())
	assert.Equal(t, "Matroska", raw.Format.FormatName)
}

func TestProbeEmptyWhenAllToolsFail(t *testing.T) {
	p := NewProber("ffprobe", "mediainfo")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}

	raw := p.Probe(context.Background(), "/media/movie.mkv")
	require.NotNil(t, raw)
	assert.True(t, raw.Empty())
}

func TestProbeEmptyOnGarbageOutput(t *testing.T) {
	p := NewProber("ffprobe", "mediainfo")
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("this is not json"), nil
	}

	raw := p.Probe(context.Background(), "/media/movie.mkv")
	require.NotNil(t, raw)
	assert.True(t, raw.Empty())
}

func TestStreamFrameRate(t *testing.T) {
	tests := []struct {
		name string
		avg  string
		r    string
		want *float64
	}{
		{name: "ntsc film ratio", avg: "24000/1001", want: floatPtr(23.976)},
		{name: "ntsc video ratio", avg: "30000/1001", want: floatPtr(29.97)},
		{name: "plain integer", avg: "25", want: floatPtr(25)},
		{name: "plain float", avg: "23.976", want: floatPtr(23.976)},
		{name: "r_frame_rate fallback", r: "50/2", want: floatPtr(25)},
		{name: "zero over zero", avg: "0/0", want: nil},
		{name: "zero denominator", avg: "24/0", want: nil},
		{name: "garbage", avg: "abc", want: nil},
		{name: "garbage ratio", avg: "a/b", want: nil},
		{name: "empty", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Stream{AvgFrameRate: tt.avg, RFrameRate: tt.r}
			got := s.FrameRate()
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.001)
		})
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestApplyMapsProbeFacts(t *testing.T) {
	width := 1920
	height := 1080
	channels := 6
	raw := &RawProbe{
		Format: Format{Duration: "120.5", BitRate: "1500000", FormatName: "matroska,webm"},
		Streams: []Stream{
			{CodecType: "video", CodecName: "h264", Width: &width, Height: &height, AvgFrameRate: "24000/1001"},
			{CodecType: "audio", CodecName: "aac", Channels: &channels},
			{CodecType: "subtitle", CodecName: "subrip", Tags: map[string]string{"language": "eng"}},
			{CodecType: "subtitle", CodecName: "subrip"},
		},
	}

	file := &models.MediaFile{}
	Apply(file, raw)

	require.NotNil(t, file.DurationMS)
	assert.Equal(t, int64(120500), *file.DurationMS)
	require.NotNil(t, file.BitRate)
	assert.Equal(t, int64(1500000), *file.BitRate)
	require.NotNil(t, file.Container)
	assert.Equal(t, "matroska", *file.Container)

	require.NotNil(t, file.VideoCodec)
	assert.Equal(t, "h264", *file.VideoCodec)
	assert.Equal(t, 1920, *file.Width)
	assert.Equal(t, 1080, *file.Height)
	require.NotNil(t, file.FrameRate)
	assert.InDelta(t, 23.976, *file.FrameRate, 0.001)

	require.NotNil(t, file.AudioCodec)
	assert.Equal(t, "aac", *file.AudioCodec)
	assert.Equal(t, 6, *file.AudioChannels)

	assert.True(t, file.HasSubtitles)
	assert.Equal(t, pq.StringArray{"eng", "und"}, file.SubtitleLanguages)
	assert.NotEmpty(t, file.ProbeData)
}

func TestApplyEmptyProbeIsNoOp(t *testing.T) {
	file := &models.MediaFile{}
	Apply(file, &RawProbe{})

	assert.Nil(t, file.DurationMS)
	assert.Nil(t, file.Container)
	assert.Nil(t, file.VideoCodec)
	assert.False(t, file.HasSubtitles)
	assert.Empty(t, file.ProbeData)
}
