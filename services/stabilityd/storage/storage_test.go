package storage

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buckhoff/stabilityfund/native/stability"
)

type kvFixture struct {
	Name  string
	Value string
	Count uint64
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	key := []byte("fixture/alpha")
	in := kvFixture{Name: "alpha", Value: "42", Count: 7}
	require.NoError(t, store.KVPut(key, in))
	var out kvFixture
	ok, err := store.KVGet(key, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestKVGetMissingKey(t *testing.T) {
	store := openTestStore(t)
	var out kvFixture
	ok, err := store.KVGet([]byte("missing"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVPutOverwrites(t *testing.T) {
	store := openTestStore(t)
	key := []byte("fixture/beta")
	require.NoError(t, store.KVPut(key, kvFixture{Name: "first"}))
	require.NoError(t, store.KVPut(key, kvFixture{Name: "second"}))
	var out kvFixture
	_, err := store.KVGet(key, &out)
	require.NoError(t, err)
	require.Equal(t, "second", out.Name)
}

func TestKVAppendDeduplicates(t *testing.T) {
	store := openTestStore(t)
	key := []byte("fixture/index")
	require.NoError(t, store.KVAppend(key, []byte("one")))
	require.NoError(t, store.KVAppend(key, []byte("two")))
	require.NoError(t, store.KVAppend(key, []byte("one")))
	var list [][]byte
	require.NoError(t, store.KVGetList(key, &list))
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, list)
}

func TestKVGetListMissingKeyInitialisesEmpty(t *testing.T) {
	store := openTestStore(t)
	var list [][]byte
	require.NoError(t, store.KVGetList([]byte("missing"), &list))
	require.NotNil(t, list)
	require.Len(t, list, 0)
}

func TestRecordSampleAndSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	rate := big.NewRat(95, 100)
	require.NoError(t, store.RecordSample(ctx, "stbl", "CoinGecko", rate, now, now))
	wei := new(big.Int).Mul(big.NewInt(95), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	require.NoError(t, store.RecordSnapshot(ctx, "stbl", rate.FloatString(18), []string{"coingecko"}, wei, now))
	snap, err := store.LatestSnapshot(ctx, "STBL")
	require.NoError(t, err)
	require.Equal(t, rate.FloatString(18), snap.MedianRate)
	require.Equal(t, wei.String(), snap.PriceWei)
	require.Equal(t, []string{"coingecko"}, snap.Feeders)
}

func TestLatestSnapshotMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LatestSnapshot(context.Background(), "STBL")
	require.Error(t, err)
}

func TestPruneSamples(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.RecordSample(ctx, "stbl", "manual", big.NewRat(1, 1), old, old))
	require.NoError(t, store.PruneSamples(ctx, time.Now().Add(-24*time.Hour)))
	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM oracle_samples`).Scan(&count))
	require.Zero(t, count)
}

type fixedSupply struct{ total *big.Int }

func (f fixedSupply) CirculatingSupply() (*big.Int, error) {
	return new(big.Int).Set(f.total), nil
}

// The engine persists its entire state through the KV surface, so a
// conversion executed against one Store must survive a reopen of the ledger
// on the same database handle.
func TestEngineStatePersistsThroughStore(t *testing.T) {
	store := openTestStore(t)
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	cfg := stability.Config{
		Reserve: stability.ReserveConfig{BaselinePriceWei: "1e18"},
	}
	engine, err := stability.NewEngine(store, cfg, fixedSupply{total: new(big.Int).Mul(big.NewInt(1000), unit)}, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(nil))
	require.NoError(t, engine.AddReserves(new(big.Int).Mul(big.NewInt(500), unit)))

	reopened := stability.NewLedger(store)
	state, err := reopened.Reserves(unit)
	require.NoError(t, err)
	want := new(big.Int).Mul(big.NewInt(500), unit)
	require.Zero(t, state.TotalReserves.Cmp(want))
}

func TestLedgerDSNBuildsWALFileDSN(t *testing.T) {
	dsn, err := LedgerDSN("  ./fund.db  ")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:"))
	require.Contains(t, dsn, "_journal_mode=WAL")
	require.Contains(t, dsn, "_busy_timeout=10000")
}

func TestLedgerDSNRejectsEmptyPath(t *testing.T) {
	_, err := LedgerDSN("   ")
	require.ErrorIs(t, err, ErrPathRequired)
}
