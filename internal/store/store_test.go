package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gossipsim/internal/crypto"
	"gossipsim/internal/sim"
)

func sampleRecord(t *testing.T, h, rep int) Record {
	t.Helper()
	cfg, err := sim.NewRunConfig(h, 2, 10, 0.1, 1)
	require.NoError(t, err)
	return Record{
		Key:       RecordKey(cfg, "probabilistic+nottl", rep),
		Config:    cfg,
		Adversary: "probabilistic",
		Variant:   "probabilistic+nottl",
		Replicate: rep,
		Seed:      crypto.DeriveSeed(1, cfg.Key(), rep),
		Metrics: []sim.RoundMetric{
			{Round: 0, H: h, K: 2, N: 10, A: 0.1, MaxTTL: 1, Infected: 3, Messages: 2},
			{Round: 1, H: h, K: 2, N: 10, A: 0.1, MaxTTL: 1, Infected: 5, Messages: 6},
		},
		FinishedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestStorePutGet(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	rec := sampleRecord(t, 1, 0)
	require.NoError(t, st.Put(rec))

	got, ok, err := st.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Config, got.Config)
	require.Equal(t, rec.Seed, got.Seed)
	require.Equal(t, rec.Metrics, got.Metrics)
	require.True(t, rec.FinishedAt.Equal(got.FinishedAt))

	_, ok, err = st.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	st, err := OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	require.True(t, errors.Is(st.Put(Record{}), ErrMissingKey))
}

func TestStoreEachInKeyOrder(t *testing.T) {
	st, err := OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	for _, h := range []int{3, 1, 2} {
		require.NoError(t, st.Put(sampleRecord(t, h, 0)))
	}
	// overwrite keeps one record per key
	partial := sampleRecord(t, 2, 0)
	partial.Partial = true
	require.NoError(t, st.Put(partial))

	var hs []int
	require.NoError(t, st.Each(func(r Record) error {
		hs = append(hs, r.Config.H)
		return nil
	}))
	require.Equal(t, []int{1, 2, 3}, hs)

	n, err := st.Count()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, ok, err := st.Get(partial.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Partial)

	stop := errors.New("stop")
	err = st.Each(func(Record) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestStoreReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	rec := sampleRecord(t, 1, 4)
	require.NoError(t, st.Put(rec))
	require.NoError(t, st.Close())

	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close()
	got, ok, err := st.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, got.Replicate)
}

func TestEncodeDecode(t *testing.T) {
	rec := sampleRecord(t, 2, 1)
	data, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, rec.Key, got.Key)
	require.Equal(t, rec.Metrics, got.Metrics)
	_, err = Decode([]byte{0xff, 0x00})
	require.Error(t, err)
}

func TestRecordKeySeparatesVariants(t *testing.T) {
	cfg, err := sim.NewRunConfig(1, 2, 10, 0.1, 1)
	require.NoError(t, err)
	plain := RecordKey(cfg, sim.Options{}.Variant(), 0)
	noTTL := RecordKey(cfg, sim.Options{UnboundedTTL: true}.Variant(), 0)
	require.NotEqual(t, plain, noTTL)
	require.Equal(t, "h=1,k=2,n=10,a=0.1,ttl=1,variant=probabilistic,rep=0", plain)
}
