package remote

import (
	"context"
	"math/rand"
	"testing"

	"github.com/plasticityai/supersqlite/internal/testutil"
)

func benchHandle(b *testing.B, size int, mmap bool) (*Handle, *testutil.RangeServer) {
	b.Helper()
	srv := testutil.NewRangeServer(b, testutil.RandomData(size, 1))
	cfg := testConfig(b)
	cfg.VFS.UseMmap = mmap
	h, err := New(context.Background(), srv.URL, cfg, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { h.Close() })
	return h, srv
}

// BenchmarkHandleHit measures reads served entirely from one cached window
func BenchmarkHandleHit(b *testing.B) {
	for _, mmap := range []bool{false, true} {
		name := "buffer"
		if mmap {
			name = "mmap"
		}
		b.Run(name, func(b *testing.B) {
			h, _ := benchHandle(b, 1<<20, mmap)
			ctx := context.Background()
			if _, err := h.Read(ctx, 4096, 0); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := h.Read(ctx, 512, int64(i%7)*512); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkHandleSequentialScan measures a full forward scan in page sized reads
func BenchmarkHandleSequentialScan(b *testing.B) {
	const size = 4 << 20
	b.SetBytes(size)
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		h, _ := benchHandle(b, size, false)
		ctx := context.Background()
		b.StartTimer()

		for off := int64(0); off < size; off += 4096 {
			if _, err := h.Read(ctx, 4096, off); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// BenchmarkHandleRandomReads measures concurrent random page reads
func BenchmarkHandleRandomReads(b *testing.B) {
	const size = 8 << 20
	h, _ := benchHandle(b, size, false)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			off := rng.Int63n(size/4096) * 4096
			if _, err := h.Read(ctx, 4096, off); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
