package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Worker runs a processor over one queue with fixed concurrency
type Worker struct {
	service     *Service
	queue       *queue
	processor   Processor
	concurrency int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newWorker(s *Service, q *queue, processor Processor, concurrency int) *Worker {
	return &Worker{
		service:     s,
		queue:       q,
		processor:   processor,
		concurrency: concurrency,
		stop:        make(chan struct{}),
	}
}

// Queue returns the name of the queue the worker consumes
func (w *Worker) Queue() QueueName {
	return w.queue.name
}

// Concurrency returns the number of jobs the worker runs at once
func (w *Worker) Concurrency() int {
	return w.concurrency
}

// Stop stops claiming jobs and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.signalStop()
	w.wait()
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) wait() {
	w.wg.Wait()
}

func (w *Worker) start() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		job, ok := w.queue.claim(w.service.now())
		if !ok {
			select {
			case <-w.stop:
				return
			case <-w.queue.notify:
			}
			continue
		}

		w.run(job)
	}
}

func (w *Worker) run(job *Job) {
	ctx := w.service.baseCtx
	w.service.emit(ctx, Event{
		Kind:      EventActive,
		JobID:     job.ID,
		Queue:     job.Queue,
		Type:      job.Type,
		Attempts:  job.Attempts,
		StartedAt: *job.ProcessedAt,
	})
	slog.Debug("Processing job", "jobId", job.ID, "queue", job.Queue, "attempt", job.Attempts+1)

	err := w.process(ctx, job)
	w.service.finish(ctx, w.queue, job, err)
}

// process runs the processor, turning a panic into an error
func (w *Worker) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job processor panicked", "jobId", job.ID, "queue", job.Queue, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	return w.processor.Process(ctx, job)
}
