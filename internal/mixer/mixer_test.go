package mixer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loudnormStderr is a trimmed pass-one output: progress noise followed by
// the measurement block.
const loudnormStderr = `size=N/A time=00:30:00.00 bitrate=N/A speed= 161x
[Parsed_loudnorm_0 @ 0x55d1c] 
{
	"input_i" : "-23.47",
	"input_tp" : "-5.32",
	"input_lra" : "7.80",
	"input_thresh" : "-33.84",
	"output_i" : "-16.02",
	"output_tp" : "-1.50",
	"output_lra" : "6.90",
	"output_thresh" : "-26.35",
	"normalization_type" : "linear",
	"target_offset" : "0.02"
}`

// fakeRunner replays scripted outputs per invocation.
type fakeRunner struct {
	calls   [][]string
	outputs []struct {
		stdout string
		stderr string
		err    error
	}
}

func (f *fakeRunner) add(stdout, stderr string, err error) {
	f.outputs = append(f.outputs, struct {
		stdout string
		stderr string
		err    error
	}{stdout, stderr, err})
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	i := len(f.calls) - 1
	if i >= len(f.outputs) {
		return "", "", fmt.Errorf("unexpected call %d", i)
	}
	out := f.outputs[i]
	return out.stdout, out.stderr, out.err
}

func TestParseLoudnorm(t *testing.T) {
	meas, err := parseLoudnorm(loudnormStderr)
	require.NoError(t, err)

	assert.InDelta(t, -23.47, meas.InputI, 0.001)
	assert.InDelta(t, -5.32, meas.InputTP, 0.001)
	assert.InDelta(t, 7.80, meas.InputLRA, 0.001)
	assert.InDelta(t, -33.84, meas.InputThresh, 0.001)
	assert.InDelta(t, 0.02, meas.TargetOffset, 0.001)
}

func TestParseLoudnorm_Silence(t *testing.T) {
	stderr := `{
		"input_i" : "-inf",
		"input_tp" : "-inf",
		"input_lra" : "0.00",
		"input_thresh" : "-inf",
		"target_offset" : "0.00"
	}`
	meas, err := parseLoudnorm(stderr)
	require.NoError(t, err)
	assert.InDelta(t, -99, meas.InputI, 0.001)
	assert.InDelta(t, -99, meas.InputTP, 0.001)
}

func TestParseLoudnorm_NoBlock(t *testing.T) {
	_, err := parseLoudnorm("frame= 100 fps= 25")
	assert.Error(t, err)
}

func TestMixer_MeasureLoudness(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("", loudnormStderr, nil)
	m := New(WithCommandRunner(runner.run))

	meas, err := m.MeasureLoudness(context.Background(), "/work/vocals.mp3")
	require.NoError(t, err)
	assert.InDelta(t, -23.47, meas.InputI, 0.001)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "ffmpeg", call[0])
	assert.Contains(t, call, "-af")
	assert.Contains(t, call, "loudnorm=I=-16.0:TP=-1.5:LRA=11.0:print_format=json")
	assert.Equal(t, "-", call[len(call)-1])
}

func TestMixer_MixFilter(t *testing.T) {
	m := New()
	meas := Measurement{
		InputI:       -23.47,
		InputTP:      -5.32,
		InputLRA:     7.80,
		InputThresh:  -33.84,
		TargetOffset: 0.02,
	}

	filter := m.mixFilter(meas)

	assert.Contains(t, filter, "loudnorm=I=-16.0:TP=-1.5:LRA=11.0")
	assert.Contains(t, filter, "measured_I=-23.47")
	assert.Contains(t, filter, "measured_TP=-5.32")
	assert.Contains(t, filter, "measured_LRA=7.80")
	assert.Contains(t, filter, "measured_thresh=-33.84")
	assert.Contains(t, filter, "offset=0.02")
	assert.Contains(t, filter, "linear=true")
	assert.Contains(t, filter, "volume=-12.0dB")
	// Mix duration follows the vocal track; the sum is peak-limited.
	assert.Contains(t, filter, "amix=inputs=2:duration=first:normalize=0")
	assert.Contains(t, filter, "alimiter=limit=0.944061")
}

func TestMixer_Mix(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("", loudnormStderr, nil) // measurement pass
	runner.add("", "", nil)             // mix pass
	m := New(WithCommandRunner(runner.run))

	err := m.Mix(context.Background(), "/work/vocals.mp3", "/work/no_vocals.wav", "/work/final_high.mp3", 128)
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	mix := runner.calls[1]
	assert.Contains(t, mix, "-filter_complex")
	assert.Contains(t, mix, "/work/vocals.mp3")
	assert.Contains(t, mix, "/work/no_vocals.wav")
	assert.Contains(t, mix, "[mix]")
	assert.Contains(t, mix, "libmp3lame")
	assert.Contains(t, mix, "128k")
	assert.Equal(t, "/work/final_high.mp3", mix[len(mix)-1])
}

func TestMixer_Mix_CustomTargets(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("", loudnormStderr, nil)
	runner.add("", "", nil)
	m := New(
		WithCommandRunner(runner.run),
		WithTargetLoudness(-14),
		WithTruePeak(-1),
		WithDucking(-18),
	)

	require.NoError(t, m.Mix(context.Background(), "v.mp3", "b.wav", "out.mp3", 96))

	var filter string
	for i, arg := range runner.calls[1] {
		if arg == "-filter_complex" {
			filter = runner.calls[1][i+1]
		}
	}
	assert.Contains(t, filter, "loudnorm=I=-14.0:TP=-1.0")
	assert.Contains(t, filter, "volume=-18.0dB")
}

func TestMixer_Mix_MeasureFails(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("", "vocals.mp3: No such file or directory", errors.New("exit status 1"))
	m := New(WithCommandRunner(runner.run))

	err := m.Mix(context.Background(), "vocals.mp3", "b.wav", "out.mp3", 128)
	var merr *MixingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "measure", merr.Op)
	assert.True(t, merr.Retryable())
}

func TestMixer_Duration(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("1803.417234\n", "", nil)
	m := New(WithCommandRunner(runner.run))

	d, err := m.Duration(context.Background(), "/work/final_high.mp3")
	require.NoError(t, err)
	assert.InDelta(t, 1803.417234, d, 0.0001)

	call := runner.calls[0]
	assert.Equal(t, "ffprobe", call[0])
	assert.Contains(t, call, "format=duration")
}

func TestMixer_Duration_Garbage(t *testing.T) {
	runner := &fakeRunner{}
	runner.add("N/A", "", nil)
	m := New(WithCommandRunner(runner.run))

	_, err := m.Duration(context.Background(), "x.mp3")
	var merr *MixingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "probe", merr.Op)
}

func TestDBToLinear(t *testing.T) {
	assert.InDelta(t, 1.0, dbToLinear(0), 1e-9)
	assert.InDelta(t, 0.5, dbToLinear(-6.0206), 1e-4)
	assert.True(t, strings.HasPrefix(fmt.Sprintf("%.6f", dbToLinear(limiterCeilingDB)), "0.944"))
}
