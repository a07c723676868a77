package tunnel

import (
	"context"
	"sync"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"golang.org/x/time/rate"
)

// limitedPort - refuses begin requests to a peer beyond a token bucket
type limitedPort struct {
	Port
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// LimitBegin wraps port so that each peer is asked to begin at most limit times per
// second with the given burst. Requests over the limit are denied without reaching port.
func LimitBegin(port Port, limit rate.Limit, burst int) Port {
	if burst < 1 {
		burst = 1
	}
	return &limitedPort{Port: port, limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *limitedPort) limiter(peer string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[peer] = lim
	}
	return lim
}

func (l *limitedPort) SendConnectBegin(ctx context.Context, req models.ConnectionRequest) (bool, error) {
	if !l.limiter(req.Remote.MachineName).Allow() {
		logger.Log(1, "begin to", req.Remote.MachineName, "rate limited")
		return false, nil
	}
	return l.Port.SendConnectBegin(ctx, req)
}
