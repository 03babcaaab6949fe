package stt

import (
	"sync"
)

// audioPump decouples callers from the backend writer: SendAudio enqueues,
// one goroutine writes in order.
type audioPump struct {
	ch   chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

// newAudioPump starts the writer goroutine. send is called for every chunk in
// order; finish is called once after the last chunk, even if send failed.
func newAudioPump(size int, send func([]byte) error, finish func()) *audioPump {
	p := &audioPump{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer finish()

		for pcm := range p.ch {
			if p.failed() != nil {
				continue
			}
			if err := send(pcm); err != nil {
				p.errMu.Lock()
				p.err = err
				p.errMu.Unlock()
			}
		}
	}()

	return p
}

func (p *audioPump) failed() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// push enqueues a copy of pcm, blocking while the queue is full.
func (p *audioPump) push(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrStreamClosed
	}
	if err := p.failed(); err != nil {
		return err
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.ch <- buf
	return nil
}

// close stops accepting audio and waits for the writer to drain.
func (p *audioPump) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	<-p.done
}
