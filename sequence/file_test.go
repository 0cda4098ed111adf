package sequence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinmclean/servomotion/keyframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSequence() keyframe.Sequence {
	return keyframe.Sequence{Tracks: []keyframe.Track{
		{
			Channel: keyframe.Channel{Index: 0, Name: "head_1", Min: 0, Max: 180},
			Keyframes: keyframe.EnsureHandles([]keyframe.Keyframe{
				{Time: 0, Value: 90},
				{Time: 500, Value: 150},
				{Time: 1250, Value: 10},
			}),
		},
		{
			Channel: keyframe.Channel{Index: 2, Name: "jaw", Min: 150, Max: 600},
			Keyframes: []keyframe.Keyframe{
				{Time: 0, Value: 300, Out: &keyframe.Handle{DT: 12.345, DV: -6.789}},
				{Time: 800, Value: 450, In: &keyframe.Handle{DT: -0.01, DV: 123.456}},
			},
		},
		{
			Channel: keyframe.Channel{Index: 3, Name: "unused", Min: 0, Max: 180},
		},
	}}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	seq := testSequence()
	created := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	data, err := Marshal(seq, Metadata{Name: "wave", CreatedAt: created})
	require.NoError(t, err)

	got, meta, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, seq, got)

	assert.Equal(t, Metadata{
		TotalKeyframes: 5,
		ComponentCount: 2,
		DurationMS:     1250,
		CreatedAt:      created,
		Name:           "wave",
	}, meta)
}

func TestMarshalShape(t *testing.T) {
	data, err := Marshal(testSequence(), Metadata{})
	require.NoError(t, err)

	assert.Contains(t, string(data), `"total_keyframes": 5`)
	assert.Contains(t, string(data), `"control_in": null`)
	assert.Contains(t, string(data), `"dt": 12.345`)
	assert.Contains(t, string(data), `"channel": 2`)
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"MissingKeyframesKey", `{"metadata": {"total_keyframes": 0}}`},
		{"NotAnObject", `[1, 2]`},
		{"InvalidJSON", `{"keyframes": [`},
		{"MissingChannel", `{"keyframes": [{"time": 0, "value": 90}]}`},
		{"MissingTime", `{"keyframes": [{"channel": 0, "value": 90}]}`},
		{"MissingValue", `{"keyframes": [{"channel": 0, "time": 0}]}`},
		{"WrongType", `{"keyframes": [{"channel": "zero", "time": 0, "value": 90}]}`},
		{"NegativeTime", `{"keyframes": [{"channel": 0, "time": -5, "value": 90}]}`},
		{"DuplicateChannel", `{"channels": [{"index": 1}, {"index": 1}], "keyframes": []}`},
		{"BackwardsOutHandle", `{"keyframes": [{"channel": 0, "time": 0, "value": 1, "control_out": {"dt": -4, "dv": 0}}]}`},
		{"ZeroOutHandle", `{"keyframes": [{"channel": 0, "time": 0, "value": 1, "control_out": {"dt": 0, "dv": 40}}, {"channel": 0, "time": 500, "value": 2}]}`},
		{"ZeroInHandle", `{"keyframes": [{"channel": 0, "time": 0, "value": 1}, {"channel": 0, "time": 500, "value": 2, "control_in": {"dt": 0, "dv": 0}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Unmarshal([]byte(tt.input))
			assert.ErrorIs(t, err, ErrInvalidSequenceFormat)
		})
	}
}

func TestUnmarshalSortsAndDefaultsChannels(t *testing.T) {
	seq, _, err := Unmarshal([]byte(`{"keyframes": [
		{"channel": 4, "time": 900, "value": 10},
		{"channel": 1, "time": 0, "value": 20},
		{"channel": 4, "time": 100, "value": 30}
	]}`))
	require.NoError(t, err)
	require.Len(t, seq.Tracks, 2)

	assert.Equal(t, 1, seq.Tracks[0].Channel.Index)
	assert.Equal(t, 4, seq.Tracks[1].Channel.Index)
	assert.Equal(t, 100, seq.Tracks[1].Keyframes[0].Time)
	assert.Equal(t, 900, seq.Tracks[1].Keyframes[1].Time)
}

func TestLoadMissingKeyframesLeavesStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"metadata": {}}`), 0o644))

	store := keyframe.NewStore(keyframe.Channel{Index: 0, Min: 0, Max: 180})
	_, err := store.AddKeyframe(0, 0, 90)
	require.NoError(t, err)
	_, err = store.AddKeyframe(0, 500, 150)
	require.NoError(t, err)
	before := store.Snapshot()

	seq, _, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidSequenceFormat)
	if err == nil {
		require.NoError(t, store.Replace(seq))
	}

	assert.Equal(t, before, store.Snapshot())
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq.json")

	require.NoError(t, Save(path, testSequence(), Metadata{Name: "first"}))

	seq, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSequence(), seq)
	assert.Equal(t, "first", meta.Name)
	assert.False(t, meta.CreatedAt.IsZero())

	// overwrite leaves no temp files behind
	require.NoError(t, Save(path, keyframe.Sequence{}, Metadata{Name: "second"}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	seq, meta, err = Load(path)
	require.NoError(t, err)
	assert.Empty(t, seq.Tracks)
	assert.Equal(t, "second", meta.Name)
}

func TestSaveMissingDirectory(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "missing", "seq.json"), testSequence(), Metadata{})
	assert.Error(t, err)
}
