package memory

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/adammck/fixture/pkg/api"
)

// FeedBuffer is the number of changes which a changefeed can fall behind by
// before it's closed.
const FeedBuffer = 1024

type feed struct {
	ref api.TableRef
	ch  chan api.Change
}

func (s *Store) Changes(ctx context.Context, ref api.TableRef) (<-chan api.Change, error) {
	s.mu.RLock()
	_, err := s.table(ref)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&s.feedSeq, 1)
	f := &feed{ref: ref, ch: make(chan api.Change, FeedBuffer)}
	s.feeds.Store(id, f)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeFeed(id)
	}()

	return f.ch, nil
}

// publish sends a change to every feed of the given table. Feeds which are
// too far behind to accept it are closed. Must be called with mu held for
// writing.
func (s *Store) publish(ref api.TableRef, oldVal, newVal api.Record) {
	c := api.Change{}
	if oldVal != nil {
		c.OldVal = oldVal.Copy()
	}
	if newVal != nil {
		c.NewVal = newVal.Copy()
	}

	s.feeds.Range(func(id uint64, f *feed) bool {
		if f.ref != ref {
			return true
		}

		select {
		case f.ch <- c:
		default:
			log.Printf("WARN: changefeed %d on %s fell behind; closing", id, ref)
			s.closeFeed(id)
		}

		return true
	})
}

// closeFeeds closes every feed of the given table. Must be called with mu
// held for writing.
func (s *Store) closeFeeds(ref api.TableRef) {
	s.feeds.Range(func(id uint64, f *feed) bool {
		if f.ref == ref {
			s.closeFeed(id)
		}
		return true
	})
}

// closeFeed must be called with mu held for writing, so that nothing is
// publishing to the channel as it's closed.
func (s *Store) closeFeed(id uint64) {
	if f, ok := s.feeds.LoadAndDelete(id); ok {
		close(f.ch)
	}
}
