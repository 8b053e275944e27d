package region

import "sync"

// eventLoop runs callbacks one at a time on its own goroutine, in the order
// they were posted.
type eventLoop struct {
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	pending []func()
	mu      sync.Mutex
	once    sync.Once
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.signal:
			l.drain()
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *eventLoop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// close runs the callbacks still pending and stops the goroutine.
func (l *eventLoop) close() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}
