package worker

import (
	"sync"

	"github.com/ngaut/log"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on its own goroutine, in the order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

// Stopper is called on the worker goroutine after the last task.
type Stopper interface {
	Stop()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.closeCh)
		if s, ok := handler.(Stopper); ok {
			defer s.Stop()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debugf("worker %s stopped", w.name)
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop asks the worker to exit once the tasks already sent are handled.
func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.closeCh
}

func (w *Worker) Name() string {
	return w.name
}

const defaultWorkerCapacity = 128

func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
		wg:       wg,
	}
}
