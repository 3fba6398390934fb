package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbkv/internal/codec"
	"wbkv/internal/common"
	"wbkv/internal/config"
	"wbkv/internal/core"
	"wbkv/internal/logger"
	testFactory "wbkv/internal/testing"
)

func TestMain(m *testing.M) {
	logger.InitializeLogger("./test_logs_kvstore", "ERROR")
	code := m.Run()
	logger.ShutdownLogger()
	os.RemoveAll("./test_logs_kvstore")
	os.Exit(code)
}

type variant struct {
	name string
	opts []func(*config.SystemConfiguration)
}

var variants = []variant{
	{"pebble_batched", nil},
	{"pebble_direct", []func(*config.SystemConfiguration){testFactory.Direct}},
	{"memory_batched", []func(*config.SystemConfiguration){testFactory.InMemory}},
	{"memory_direct", []func(*config.SystemConfiguration){testFactory.InMemory, testFactory.Direct}},
}

func forEachVariant(t *testing.T, fn func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext)) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			f := testFactory.NewTestFactory(t)
			defer f.Cleanup()
			fn(t, f, f.CreateSystem(v.opts...))
		})
	}
}

func testOptions() Options {
	return Options{CacheCapacity: 64, ExistenceProbe: true}
}

func openDocuments(t *testing.T, sc *core.StorageContext) *Store[string, string] {
	s, err := Open(sc, "documents", codec.String(), codec.String(), testOptions())
	require.NoError(t, err)
	return s
}

func openCounters(t *testing.T, sc *core.StorageContext) *Store[string, int64] {
	s, err := Open(sc, "counters", codec.String(), codec.Int64(), testOptions())
	require.NoError(t, err)
	return s
}

func syncStore[K comparable, V any](t *testing.T, s *Store[K, V]) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}

func engineContents(t *testing.T, sc *core.StorageContext, name string) map[string]string {
	column, err := sc.Engine().OpenColumn(name)
	require.NoError(t, err)
	it, err := column.NewIterator(common.SequentialReadOptions)
	require.NoError(t, err)
	defer it.Close()

	out := make(map[string]string)
	for it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Err())
	return out
}

// -----------------------------------------------------------------------------
// Visibility
// -----------------------------------------------------------------------------

func TestStore_ReadYourWrites(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)

		for i := 0; i < 500; i++ {
			key := fmt.Sprintf("doc-%04d", i)
			require.NoError(t, docs.Put(key, "v1"))
			value, found, err := docs.Get(key)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "v1", value)

			require.NoError(t, docs.Put(key, "v2"))
			value, _, _ = docs.Get(key)
			require.Equal(t, "v2", value, "second write not visible for %s", key)
		}

		syncStore(t, docs)
		value, found, err := docs.Get("doc-0042")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v2", value)
	})
}

func TestStore_ConcurrentWritersSeeTheirOwnWrites(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)

		var wg sync.WaitGroup
		var mismatches atomic.Int64
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					key := fmt.Sprintf("w%d-%d", g, i%20)
					want := fmt.Sprintf("%d", i)
					if err := docs.Put(key, want); err != nil {
						mismatches.Add(1)
						continue
					}
					if got, _, _ := docs.Get(key); got != want {
						mismatches.Add(1)
					}
				}
			}(g)
		}
		wg.Wait()
		assert.Zero(t, mismatches.Load())
	})
}

func TestStore_RemoveHidesValueImmediately(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		require.NoError(t, docs.Put("a", "alpha"))
		syncStore(t, docs)

		previous, found, err := docs.Remove("a", true)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "alpha", previous)

		_, found, err = docs.Get("a")
		require.NoError(t, err)
		assert.False(t, found)
		contains, err := docs.Contains("a")
		require.NoError(t, err)
		assert.False(t, contains)

		previous, found, err = docs.Remove("missing", true)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, previous)

		_, found, err = docs.Remove("a", false)
		require.NoError(t, err)
		assert.False(t, found, "previous value is not looked up unless asked for")

		syncStore(t, docs)
		assert.NotContains(t, engineContents(t, sc, "documents"), "a")
	})
}

// -----------------------------------------------------------------------------
// Write-behind
// -----------------------------------------------------------------------------

func TestStore_EngineSeesOnlyTheLatestValue(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		for i := 0; i < 100; i++ {
			require.NoError(t, docs.Put("hot", fmt.Sprintf("v%d", i)))
		}
		syncStore(t, docs)

		stored := engineContents(t, sc, "documents")
		assert.Equal(t, "v99", stored["hot"])

		_, pending := docs.Stats()
		assert.Zero(t, pending, "pending table should be empty after a sync")
	})
}

func TestStore_ShutdownDrainsEveryWrite(t *testing.T) {
	for _, v := range variants[:2] {
		t.Run(v.name, func(t *testing.T) {
			f := testFactory.NewTestFactory(t)
			defer f.Cleanup()
			sc := f.CreateSystem(v.opts...)
			docs := openDocuments(t, sc)

			const total = 2000
			for i := 0; i < total; i++ {
				require.NoError(t, docs.Put(fmt.Sprintf("k%05d", i), fmt.Sprintf("value-%d", i)))
			}
			require.NoError(t, sc.Close(10*time.Second))

			engine := f.ReopenEngine()
			defer engine.Close()
			column, err := engine.OpenColumn("documents")
			require.NoError(t, err)

			values := codec.String()
			for i := 0; i < total; i++ {
				raw, found, err := column.Get([]byte(fmt.Sprintf("k%05d", i)), nil)
				require.NoError(t, err)
				require.True(t, found, "k%05d lost on shutdown", i)
				decoded, err := values.Decode(raw)
				require.NoError(t, err)
				require.Equal(t, fmt.Sprintf("value-%d", i), decoded)
			}
		})
	}
}

func TestStore_ReopenServesPersistedValues(t *testing.T) {
	f := testFactory.NewTestFactory(t)
	defer f.Cleanup()

	sc := f.CreateSystem()
	docs := openDocuments(t, sc)
	for i := 0; i < 300; i++ {
		require.NoError(t, docs.Put(fmt.Sprintf("p%03d", i), "kept"))
	}
	require.NoError(t, sc.Close(10*time.Second))

	sc = f.CreateSystem()
	docs = openDocuments(t, sc)
	for i := 0; i < 300; i++ {
		contains, err := docs.Contains(fmt.Sprintf("p%03d", i))
		require.NoError(t, err)
		require.True(t, contains, "existence probe rejected p%03d", i)
	}
	contains, err := docs.Contains("never-written")
	require.NoError(t, err)
	assert.False(t, contains)

	value, found, err := docs.Get("p123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "kept", value)

	stats, _ := docs.Stats()
	assert.NotZero(t, stats.Misses)
}

// -----------------------------------------------------------------------------
// Atomic updates
// -----------------------------------------------------------------------------

func TestStore_ComputeLosesNoUpdates(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		counters := openCounters(t, sc)

		const workers, increments = 16, 100
		var wg sync.WaitGroup
		for g := 0; g < workers; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < increments; i++ {
					_, _, err := counters.Compute("hits", func(_ string, current int64, _ bool) (int64, bool, error) {
						return current + 1, true, nil
					})
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		value, found, err := counters.Get("hits")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(workers*increments), value)

		syncStore(t, counters)
		raw := engineContents(t, sc, "counters")["hits"]
		decoded, err := codec.Int64().Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, int64(workers*increments), decoded)
	})
}

func TestStore_ComputeCanDelete(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		counters := openCounters(t, sc)
		require.NoError(t, counters.Put("temp", 5))

		value, keep, err := counters.Compute("temp", func(_ string, current int64, found bool) (int64, bool, error) {
			assert.True(t, found)
			assert.Equal(t, int64(5), current)
			return 0, false, nil
		})
		require.NoError(t, err)
		assert.False(t, keep)
		assert.Zero(t, value)

		_, found, _ := counters.Get("temp")
		assert.False(t, found)

		// Deleting an absent key writes nothing.
		_, _, err = counters.Compute("absent", func(string, int64, bool) (int64, bool, error) {
			return 0, false, nil
		})
		require.NoError(t, err)
		_, pending := counters.Stats()
		assert.LessOrEqual(t, pending, 2)
	})
}

func TestStore_ComputeErrorLeavesValueUntouched(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		counters := openCounters(t, sc)
		require.NoError(t, counters.Put("n", 1))

		boom := errors.New("boom")
		_, _, err := counters.Compute("n", func(string, int64, bool) (int64, bool, error) {
			return 100, true, boom
		})
		assert.ErrorIs(t, err, boom)

		value, _, _ := counters.Get("n")
		assert.Equal(t, int64(1), value)
	})
}

func TestStore_ComputeIfAbsentAgreesOnOneValue(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		require.NoError(t, docs.Put("existing", "old"))

		value, err := docs.ComputeIfAbsent("existing", func(string) (string, error) {
			t.Error("function must not run for a present key")
			return "new", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "old", value)

		var calls atomic.Int64
		results := make([]string, 16)
		var wg sync.WaitGroup
		for g := range results {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				results[g], _ = docs.ComputeIfAbsent("fresh", func(string) (string, error) {
					calls.Add(1)
					return fmt.Sprintf("from-%d", g), nil
				})
			}(g)
		}
		wg.Wait()

		stored, _, _ := docs.Get("fresh")
		for _, r := range results {
			assert.Equal(t, stored, r)
		}
		assert.GreaterOrEqual(t, calls.Load(), int64(1))
	})
}

// -----------------------------------------------------------------------------
// Clear and iteration
// -----------------------------------------------------------------------------

func TestStore_ClearIsAFullBarrier(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		for i := 0; i < 1000; i++ {
			require.NoError(t, docs.Put(fmt.Sprintf("c%04d", i), "x"))
		}
		require.NoError(t, docs.Clear(context.Background()))

		count := 0
		for range docs.Keys() {
			count++
		}
		assert.Zero(t, count)
		_, found, err := docs.Get("c0001")
		require.NoError(t, err)
		assert.False(t, found)

		syncStore(t, docs)
		assert.Empty(t, engineContents(t, sc, "documents"), "a queued write landed after clear")

		require.NoError(t, docs.Put("after", "y"))
		value, _, _ := docs.Get("after")
		assert.Equal(t, "y", value)
	})
}

func TestStore_WriteRacingClearMatchesEngine(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)

		for round := 0; round < 20; round++ {
			var stop atomic.Bool
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; !stop.Load(); i++ {
					assert.NoError(t, docs.Put("racer", fmt.Sprintf("v%d", i)))
				}
			}()
			time.Sleep(time.Millisecond)
			require.NoError(t, docs.Clear(context.Background()))
			stop.Store(true)
			wg.Wait()
			syncStore(t, docs)

			value, found, err := docs.Get("racer")
			require.NoError(t, err)
			stored, persisted := engineContents(t, sc, "documents")["racer"]
			require.Equal(t, persisted, found, "round %d: store and engine disagree on presence", round)
			require.Equal(t, stored, value, "round %d: store and engine disagree on value", round)
		}
	})
}

func TestStore_IterationMergesPendingAndEngine(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		require.NoError(t, docs.Put("a", "1"))
		require.NoError(t, docs.Put("b", "2"))
		require.NoError(t, docs.Put("c", "3"))
		syncStore(t, docs)

		require.NoError(t, docs.Put("b", "22"))
		require.NoError(t, docs.Put("d", "4"))
		_, _, err := docs.Remove("a", false)
		require.NoError(t, err)

		want := map[string]string{"b": "22", "c": "3", "d": "4"}
		for pass := 0; pass < 2; pass++ {
			got := make(map[string]string)
			for k, v := range docs.All() {
				got[k] = v
			}
			assert.Equal(t, want, got, "pass %d", pass)
		}

		var keys []string
		for k := range docs.Keys() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		assert.Equal(t, []string{"b", "c", "d"}, keys)

		var values []string
		for v := range docs.Values() {
			values = append(values, v)
		}
		sort.Strings(values)
		assert.Equal(t, []string{"22", "3", "4"}, values)
	})
}

func TestCursor_StopsEarlyAndReportsNoError(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		for i := 0; i < 10; i++ {
			require.NoError(t, docs.Put(fmt.Sprintf("k%d", i), "v"))
		}

		c := docs.NewCursor(false)
		require.True(t, c.Next())
		assert.Equal(t, "k0", c.Key())
		assert.Empty(t, c.Value(), "values are not decoded for a key-only cursor")
		require.NoError(t, c.Close())
		assert.NoError(t, c.Err())
	})
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// pickyCodec refuses to encode the string "bad".
type pickyCodec struct{}

func (pickyCodec) Encode(dst []byte, value string) ([]byte, error) {
	if value == "bad" {
		return nil, errors.New("refused")
	}
	return append(dst, value...), nil
}

func (pickyCodec) Decode(src []byte) (string, error) { return string(src), nil }

func TestStore_EncodingErrorsReachTheCaller(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		s, err := Open[string, string](sc, "picky", codec.String(), pickyCodec{}, testOptions())
		require.NoError(t, err)

		assert.ErrorIs(t, s.Put("k", "bad"), ErrEncoding)
		_, found, err := s.Get("k")
		require.NoError(t, err)
		assert.False(t, found)

		_, _, err = s.Compute("k", func(string, string, bool) (string, bool, error) { return "bad", true, nil })
		assert.ErrorIs(t, err, ErrEncoding)
		_, _, err = s.Compute("k", func(string, string, bool) (string, bool, error) { return "good", true, nil })
		assert.NoError(t, err)
	})
}

func TestStore_UndecodableEngineValue(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		counters := openCounters(t, sc)
		column, err := sc.Engine().OpenColumn("counters")
		require.NoError(t, err)
		require.NoError(t, column.Put([]byte("short"), []byte{0x01}))

		_, _, err = counters.Get("short")
		assert.ErrorIs(t, err, ErrDecoding)
	})
}

func TestStore_NameIsRegisteredOnce(t *testing.T) {
	forEachVariant(t, func(t *testing.T, f *testFactory.TestSystemFactory, sc *core.StorageContext) {
		docs := openDocuments(t, sc)
		_, err := Open(sc, "documents", codec.String(), codec.String(), testOptions())
		assert.ErrorIs(t, err, core.ErrStoreAlreadyOpen)

		require.NoError(t, docs.Close(context.Background()))
		reopened := openDocuments(t, sc)
		assert.Equal(t, "documents", reopened.Name())
	})
}

func TestStore_PersistentEngineFailureRejectsWrites(t *testing.T) {
	for _, mode := range []string{config.PipelineBatched, config.PipelineDirect} {
		t.Run(mode, func(t *testing.T) {
			f := testFactory.NewTestFactory(t)
			defer f.Cleanup()

			cfg := f.Configuration(testFactory.InMemory)
			cfg.PipelineMode = mode
			cfg.EngineWriteRetryCount = 2
			engine := newBrokenEngine()
			sc := core.NewStorageContextWithEngine(cfg, engine)
			defer sc.Close(5 * time.Second)

			docs := openDocuments(t, sc)
			require.NoError(t, docs.Put("first", "visible"))

			require.Eventually(t, func() bool {
				return errors.Is(docs.Put("probe", "x"), ErrStoreFailed)
			}, 5*time.Second, 5*time.Millisecond)

			value, found, err := docs.Get("first")
			require.NoError(t, err)
			assert.True(t, found, "accepted writes stay readable after a failure")
			assert.Equal(t, "visible", value)

			_, _, err = docs.Remove("first", false)
			assert.ErrorIs(t, err, ErrStoreFailed)
			_, _, err = docs.Compute("first", func(string, string, bool) (string, bool, error) { return "z", true, nil })
			assert.ErrorIs(t, err, ErrStoreFailed)
		})
	}
}

// -----------------------------------------------------------------------------
// Benchmarks
// -----------------------------------------------------------------------------

func BenchmarkStore_Put(b *testing.B) {
	f := testFactory.NewTestFactory(b)
	defer f.Cleanup()
	sc := f.CreateSystem()
	docs, err := Open(sc, "bench", codec.String(), codec.String(), testOptions())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			docs.Put(fmt.Sprintf("key-%d", i%4096), "value")
			i++
		}
	})
}

func BenchmarkStore_GetCached(b *testing.B) {
	f := testFactory.NewTestFactory(b)
	defer f.Cleanup()
	sc := f.CreateSystem()
	docs, err := Open(sc, "bench", codec.String(), codec.String(), Options{CacheCapacity: 8192})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 4096; i++ {
		docs.Put(fmt.Sprintf("key-%d", i), "value")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			docs.Get(fmt.Sprintf("key-%d", i%4096))
			i++
		}
	})
}
