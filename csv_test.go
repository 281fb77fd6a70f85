package kvload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSampleWriterRoundTrip(t *testing.T) {
	f := filepath.Join(t.TempDir(), "samples.csv")
	w, err := NewSampleWriter(f)
	require.NoError(t, err)
	at := time.UnixMilli(1600000000123)
	require.NoError(t, w.Write("dkv_set_key", at, 1.25, "dkv_set_get"))
	require.NoError(t, w.Write("dkv_get_key", at.Add(time.Second), 3, "dkv_set_get"))
	require.NoError(t, w.Close())

	in, err := os.Open(f)
	require.NoError(t, err)
	defer in.Close()
	samples, err := ReadSamples(in)
	require.NoError(t, err)
	require.Equal(t, []Sample{
		{Metric: "dkv_set_key", At: at, Value: 1.25, Handle: "dkv_set_get"},
		{Metric: "dkv_get_key", At: at.Add(time.Second), Value: 3, Handle: "dkv_set_get"},
	}, samples)
}

func TestIterationLogAppends(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "result.csv")
	for i := 0; i < 2; i++ {
		f, err := createFileOrAppend(fname)
		require.NoError(t, err)
		d := NewCSVData(f)
		require.NoError(t, d.Write([]string{"dkv_set_get", "ok"}))
		require.NoError(t, d.Close())
	}
	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	require.Equal(t, "dkv_set_get,ok\ndkv_set_get,ok\n", string(data))
}
