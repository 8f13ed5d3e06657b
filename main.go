package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/concurrency"
	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/caetanosauer/zero-sub005/recovery"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

func main() {
	blocks := flag.Int("blocks", 32, "number of frames in the pool")
	leaves := flag.Int("leaves", pages.MaxChildren, "number of leaf pages under the root")
	workers := flag.Int("workers", 8, "number of concurrent fixers")
	ops := flag.Int("ops", 5000, "fixes per worker")
	file := flag.String("file", "", "volume file, a temporary one is used if empty")
	flag.Parse()

	if *leaves < 1 || *leaves > pages.MaxChildren {
		log.Fatalf("between 1 and %v leaves fit under a root", pages.MaxChildren)
	}

	name := *file
	if name == "" {
		name = filepath.Join(os.TempDir(), "zero-"+uuid.NewString()+".vol")
		defer common.Remove(name)
	}

	vol, _, err := disk.OpenFileVolume(name, 1, false)
	common.PanicIfErr(err)
	defer vol.Close()

	lm, err := wal.NewMemLogManager(4096)
	common.PanicIfErr(err)
	defer lm.Close()

	opts := buffer.DefaultOptions()
	opts.BlockCount = *blocks
	opts.LogManager = lm
	opts.Recoverer = recovery.NewRecoverer(lm, log.Default())
	pool, err := buffer.NewPool(opts)
	common.PanicIfErr(err)

	cleaner := concurrency.NewCleaner(pool, lm, concurrency.DefaultCleanerOptions())
	cleaner.Run()

	store, _, err := vol.CreateStore()
	common.PanicIfErr(err)
	common.PanicIfErr(pool.InstallVolume(vol))

	start := time.Now()
	buildTree(pool, vol, store, *leaves)
	log.Printf("built %v leaves in %v\n", *leaves, time.Since(start))

	start = time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			work(pool, vol.ID(), store, *leaves, *ops, rand.New(rand.NewPCG(seed, seed)))
		}(uint64(w))
	}
	wg.Wait()
	elapsed := time.Since(start)

	common.PanicIfErr(cleaner.ForceAll())
	common.PanicIfErr(pool.Destroy())

	total := int64(*workers * *ops)
	fmt.Printf("%v fixes in %v, %v fixes/s\n", humanize.Comma(total), elapsed, humanize.Comma(int64(float64(total)/elapsed.Seconds())))
	fmt.Printf("pool of %v (%v frames), log of %v records\n",
		humanize.IBytes(uint64(*blocks*disk.PageSize)), *blocks, humanize.Comma(int64(lm.CurrLSN())))
	printStats(pool.Stats())
	printStats(cleaner.Stats())
}

func buildTree(pool *buffer.Pool, vol disk.Volume, store pages.StoreID, n int) {
	root, err := pool.FixRoot(vol.ID(), store, buffer.LatchEX, false)
	common.PanicIfErr(err)
	defer root.Release()

	format := wal.NewFormatPageLogRecord(2)
	format.Store = store
	_, err = root.Apply(format)
	common.PanicIfErr(err)

	for i := 0; i < n; i++ {
		pid, err := vol.AllocatePage()
		common.PanicIfErr(err)

		leaf, err := pool.FixDirect(vol.ID(), pid, buffer.LatchEX, false, true)
		common.PanicIfErr(err)
		format := wal.NewFormatPageLogRecord(1)
		format.Store = store
		_, err = leaf.Apply(format)
		common.PanicIfErr(err)
		lsn := leaf.Page().LSN()
		leaf.Release()

		_, err = root.Apply(wal.NewSetChildLogRecord(root.Page().ChildCount(), pid, lsn))
		common.PanicIfErr(err)
	}
}

// work reads random leaves through the root and updates every fourth one it visits.
func work(pool *buffer.Pool, vol pages.VolumeID, store pages.StoreID, leaves, ops int, rnd *rand.Rand) {
	for i := 0; i < ops; i++ {
		update := rnd.IntN(4) == 0
		mode := common.Ternary(update, buffer.LatchEX, buffer.LatchSH)

		root, err := pool.FixRoot(vol, store, buffer.LatchSH, false)
		common.PanicIfErr(err)
		leaf, err := pool.FixNonRoot(root, rnd.IntN(leaves), mode, false, false)
		root.Release()
		common.PanicIfErr(err)

		if update {
			_, err = leaf.Apply(wal.NewPageWriteLogRecord(8*rnd.IntN(64), []byte(fmt.Sprintf("%08d", i))))
			common.PanicIfErr(err)
		}
		leaf.Release()
	}
}

func printStats(stats map[string]int64) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-24v %v\n", k, humanize.Comma(stats[k]))
	}
}
