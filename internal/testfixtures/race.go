package testfixtures

import "sync"

// RunConcurrently starts n goroutines, holds them until every one is ready,
// then releases them together and waits for all to finish.
func RunConcurrently(n int, fn func(i int)) {
	var ready, done sync.WaitGroup
	start := make(chan struct{})

	ready.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			<-start
			fn(i)
		}(i)
	}

	ready.Wait()
	close(start)
	done.Wait()
}
