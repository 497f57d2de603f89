package upload

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrBadToken is returned when a token is unknown or already consumed.
var ErrBadToken = errors.New("upload: bad token")

// Callback receives the uploaded bytes for one minted token.
type Callback func(data []byte)

// Sink holds single-use upload tokens minted by room controllers and
// consumed by the HTTP receiving layer. Consumption is check-and-delete
// in one step so a replayed token can never fire the callback twice.
type Sink struct {
	mu      sync.Mutex
	pending map[string]Callback
	log     *zerolog.Logger
}

// NewSink builds an empty sink.
func NewSink(logger *zerolog.Logger) *Sink {
	return &Sink{
		pending: make(map[string]Callback),
		log:     logger,
	}
}

// Register arms a callback under a freshly minted token.
func (s *Sink) Register(token string, fn Callback) {
	s.mu.Lock()
	s.pending[token] = fn
	s.mu.Unlock()
}

// Cancel discards a pending token, e.g. when the requesting session
// disconnects before posting.
func (s *Sink) Cancel(token string) {
	s.mu.Lock()
	delete(s.pending, token)
	s.mu.Unlock()
}

// Consume fires the callback registered under token and retires the
// token. A replay after consumption fails with ErrBadToken.
func (s *Sink) Consume(token string, data []byte) error {
	s.mu.Lock()
	fn, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn().Str("token", token).Msg("upload with unknown or replayed token")
		return ErrBadToken
	}
	fn(data)
	return nil
}
