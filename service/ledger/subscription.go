package ledger

import "sync"

// Sub is a Subscription backed by a stop function. Feed implementations call
// End when the underlying stream terminates on its own.
type Sub struct {
	stop func() error

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewSub returns an open subscription. stop is called at most once.
func NewSub(stop func() error) *Sub {
	return &Sub{
		stop: stop,
		done: make(chan struct{}),
	}
}

// Unsubscribe stops the feed and closes Done.
func (s *Sub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.stop != nil {
			err = s.stop()
		}
		close(s.done)
	})
	return err
}

// End marks the feed as terminated with cause and releases it.
func (s *Sub) End(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	s.Unsubscribe()
}

// Done is closed once the subscription ends.
func (s *Sub) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause passed to End, if any.
func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
