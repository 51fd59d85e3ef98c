package runner

import (
	"context"
	"sync"
)

type Job func() error

// RunPool runs jobs with at most maxWorkers in flight and returns the
// errors they reported, in completion order. Once ctx is done no
// further jobs start and ctx.Err() is reported once.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	sem := make(chan struct{}, maxWorkers)

dispatch:
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			record(err)
			break
		}
		select {
		case <-ctx.Done():
			record(ctx.Err())
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := j(); err != nil {
				record(err)
			}
		}(job)
	}
	wg.Wait()
	return errs
}
