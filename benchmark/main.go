// Package main measures the throughput of the captcha registry under
// concurrent download workers and an operator polling loop.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000 -workers 10
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
)

type alwaysConnected struct{}

func (alwaysConnected) IsClientConnected() bool { return true }

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of captcha tasks to dispatch")
	numWorkers := flag.Int("workers", 10, "Number of concurrent download workers")
	flag.Parse()

	manager := captcha.NewManager(alwaysConnected{}, nil)

	fmt.Printf("Captcha Registry Benchmark\n")
	fmt.Printf("==========================\n")
	fmt.Printf("Tasks to dispatch: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	var (
		wg         sync.WaitGroup
		dispatched atomic.Int64
		answered   atomic.Int64
		ids        sync.Map
		duplicates atomic.Int64
		missing    atomic.Int64
	)
	done := make(chan struct{})

	// operator: answers whatever GetTask hands out
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if task := manager.GetTask(); task != nil {
				if task.Answer("bench") == nil {
					answered.Add(1)
				}
			}
		}
	}()

	start := time.Now()
	tasksPerWorker := *numTasks / *numWorkers
	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				task := manager.NewTask(nil, "png", "benchmark", captcha.Textual)
				if _, loaded := ids.LoadOrStore(task.ID(), struct{}{}); loaded {
					duplicates.Add(1)
				}
				if manager.HandleCaptcha(task, time.Minute) {
					dispatched.Add(1)
				}
				if manager.GetTaskByID(task.ID()) == nil {
					missing.Add(1)
					fmt.Printf("Task %s missing from registry\n", task.ID())
				}
				manager.RemoveTask(task)
			}
		}()
	}

	wg.Wait()
	close(done)
	elapsed := time.Since(start)

	fmt.Printf("✓ Dispatched %d tasks in %s\n", dispatched.Load(), elapsed)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(dispatched.Load())/elapsed.Seconds())
	fmt.Printf("  Answered by operator: %d\n", answered.Load())
	fmt.Printf("  Duplicate ids: %d\n", duplicates.Load())
	fmt.Printf("  Missing from registry: %d\n", missing.Load())
	fmt.Printf("  Left in registry: %d\n", manager.Len())

	if err := verify(duplicates.Load(), missing.Load()); err != nil {
		fmt.Printf("✗ %v\n", err)
		os.Exit(1)
	}
}

// verify fails the run when ids were reused or a dispatched task was not registered.
func verify(duplicates, missing int64) error {
	if duplicates > 0 || missing > 0 {
		return fmt.Errorf("registry check failed: %d duplicate ids, %d tasks missing", duplicates, missing)
	}
	return nil
}
