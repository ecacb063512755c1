// offload-demo submits one sleep to the worker pool and shows that the
// submitting loop keeps running until the completion callback fires.
// Usage: go run ./cmd/offload-demo -ms 3000
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/loop"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/pool"
)

func main() {
	ms := flag.Int("ms", 3000, "milliseconds to sleep on a worker")
	workers := flag.Int("workers", pool.DefaultWorkers, "worker pool size")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := logrus.WarnLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	logger := config.NewLogger(os.Stderr, level)

	l := loop.New(logger, nil)
	p := offload.NewPool(pool.Options{Workers: *workers}, logger)
	defer p.Stop()

	// No fatal handler: a failing callback ends the process.
	proc := host.NewProcess(logger)

	bridge, err := offload.New(offload.Options{Loop: l, Pool: p, Process: proc, Logger: logger})
	if err != nil {
		log.Fatalf("create bridge: %v", err)
	}

	// main is the loop goroutine until RunUntilIdle returns.
	fmt.Printf("Calling bridge to sleep for %d milliseconds...\n", *ms)
	err = bridge.Submit(*ms, host.Function(func(args ...host.Value) error {
		if args[0] != nil {
			return fmt.Errorf("sleep failed: %v", args[0])
		}
		fmt.Printf("Finished sleeping for %d milliseconds\n", args[1])
		return nil
	}))
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	fmt.Println("Note that we're not blocking!")
	fmt.Printf("We can do whatever we want for %d milliseconds\n", *ms)

	if err := l.RunUntilIdle(context.Background()); err != nil {
		log.Fatalf("loop: %v", err)
	}
}
