package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per remote address. Idle buckets
// expire after ten minutes.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	buckets *cache.Cache
}

// NewRateLimiter allows rps requests per second per address with bursts of
// up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: cache.New(10*time.Minute, 20*time.Minute),
	}
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	if v, ok := l.buckets.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	if err := l.buckets.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Lost a race with another request from the same address.
		if v, ok := l.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Middleware answers 429 once an address exhausts its bucket.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.bucket(host).Allow() {
			slog.Warn("rate limit exceeded", "remote", host, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdempotencyKeyHeader lets a client retry an order submission safely.
const IdempotencyKeyHeader = "Idempotency-Key"

type idemState int

const (
	idemPending idemState = iota
	idemDone
)

type idemEntry struct {
	state       idemState
	fingerprint string
	status      int
	body        []byte
}

// Idempotency remembers the response to each (actor, key) pair for a TTL.
// A repeat with the same body replays the stored response; a repeat with a
// different body, or while the first attempt is still running, is refused.
// Server-side failures are forgotten so the client can retry.
type Idempotency struct {
	entries *cache.Cache
	ttl     time.Duration
}

// NewIdempotency keeps responses for ttl.
func NewIdempotency(ttl time.Duration) *Idempotency {
	return &Idempotency{entries: cache.New(ttl, 2*ttl), ttl: ttl}
}

// recorder captures a handler's response while passing it through.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// Wrap runs handle at most once per key. Requests without the header pass
// straight through.
func (i *Idempotency) Wrap(w http.ResponseWriter, r *http.Request, actorID int64, body []byte, handle func(http.ResponseWriter)) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		handle(w)
		return
	}
	if len(key) > 255 {
		writeProblem(w, http.StatusBadRequest, "invalid_input", "idempotency key longer than 255 characters")
		return
	}

	cacheKey := strconv.FormatInt(actorID, 10) + ":" + key
	sum := sha256.Sum256(body)
	fingerprint := hex.EncodeToString(sum[:])

	if err := i.entries.Add(cacheKey, &idemEntry{state: idemPending, fingerprint: fingerprint}, i.ttl); err != nil {
		v, ok := i.entries.Get(cacheKey)
		if !ok {
			writeProblem(w, http.StatusConflict, "idempotency_conflict", "request with this idempotency key is in progress")
			return
		}
		e := v.(*idemEntry)
		switch {
		case e.fingerprint != fingerprint:
			writeProblem(w, http.StatusUnprocessableEntity, "idempotency_mismatch", "idempotency key reused with a different request")
		case e.state == idemPending:
			writeProblem(w, http.StatusConflict, "idempotency_conflict", "request with this idempotency key is in progress")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(e.status)
			_, _ = w.Write(e.body)
		}
		return
	}

	rec := &recorder{ResponseWriter: w}
	defer func() {
		if rec.status == 0 || rec.status >= http.StatusInternalServerError {
			i.entries.Delete(cacheKey)
			return
		}
		i.entries.Set(cacheKey, &idemEntry{
			state:       idemDone,
			fingerprint: fingerprint,
			status:      rec.status,
			body:        rec.body.Bytes(),
		}, i.ttl)
	}()
	handle(rec)
}
