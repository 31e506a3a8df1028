// Command allocbench drives concurrent allocate/free traffic through
// the allocator shim and prints the resulting registry stats,
// exercising the same Get/Set/TestAndClear paths a real malloc
// interposer would call on every request.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cloudfly/allocguard/allocshim"
	"github.com/cloudfly/allocguard/registry"
)

func main() {
	workers := flag.Int("workers", 16, "number of concurrent allocator goroutines")
	opsPerWorker := flag.Int("ops", 10_000, "allocate/free operations per worker")
	leafBits := flag.Uint64("leaf-bits", 1<<16, "registry LeafBits (shrunk from the 2^23 production default for a quick run)")
	flag.Parse()

	reg := registry.New(registry.Config{LeafBits: *leafBits})
	promReg := prometheus.NewRegistry()
	metrics := reg.RegisterMetrics(promReg)

	shim := allocshim.New(allocshim.SliceAllocator{}, reg).WithMetrics(metrics)

	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var live []uintptr
			for i := 0; i < *opsPerWorker; i++ {
				if len(live) == 0 || rng.Intn(2) == 0 {
					addr, ok := shim.Allocate(rng.Intn(256) + 1)
					if !ok {
						return fmt.Errorf("worker %d: allocation failed", w)
					}
					live = append(live, addr)
				} else {
					idx := rng.Intn(len(live))
					addr := live[idx]
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
					if !shim.Deallocate(addr) {
						return fmt.Errorf("worker %d: deallocate rejected a live pointer", w)
					}
				}
			}
			for _, addr := range live {
				shim.Deallocate(addr)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "allocbench:", err)
		os.Exit(1)
	}

	capacity, numLeaves := reg.Stats()
	fmt.Printf("directory capacity=%d leaves=%d\n", capacity, numLeaves)
}
