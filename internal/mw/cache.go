package mw

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"studio-booking-backend/internal/parse"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// KeyFunc derives the cache key of a request. An empty key bypasses the cache.
type KeyFunc func(c *gin.Context) string

// SlotCache holds public booked-slot responses per civil date. Every
// Invalidate bumps the generation of its keys; a response computed across a
// bump is served but not stored.
type SlotCache struct {
	store *cache.Cache
	ttl   time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

// NewSlotCache creates a cache whose entries live for ttl.
func NewSlotCache(ttl time.Duration) *SlotCache {
	return &SlotCache{store: cache.New(ttl, 2*ttl), ttl: ttl, gens: make(map[string]uint64)}
}

// SlotKey is the cache key for a civil date.
func SlotKey(date string) string {
	return "slots:" + date
}

// DateQueryKey keys on the canonical form of the "date" query parameter.
// Unparseable dates bypass the cache.
func DateQueryKey(c *gin.Context) string {
	date, err := parse.CivilDate(c.Query("date"))
	if err != nil {
		return ""
	}
	return SlotKey(date.String())
}

// Invalidate drops the cached responses of dates.
func (s *SlotCache) Invalidate(dates ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dates {
		if d != "" {
			k := SlotKey(d)
			s.gens[k]++
			s.store.Delete(k)
		}
	}
}

func (s *SlotCache) generation(k string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[k]
}

// setIfCurrent stores resp unless k was invalidated after gen was read.
func (s *SlotCache) setIfCurrent(k string, gen uint64, resp cachedResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[k] != gen {
		return false
	}
	s.store.Set(k, resp, s.ttl)
	return true
}

// Middleware serves and fills the cache for GET requests.
func (s *SlotCache) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := cacheKey(c, key)
		if k == "" {
			c.Next()
			return
		}
		if serveCached(c, s.store, k) {
			return
		}
		gen := s.generation(k)
		blw := record(c)
		c.Next()
		if resp, ok := cacheable(blw); ok {
			s.setIfCurrent(k, gen, resp)
		}
	}
}

func cacheKey(c *gin.Context, key KeyFunc) string {
	if c.Request.Method != http.MethodGet {
		return ""
	}
	return key(c)
}

func serveCached(c *gin.Context, store *cache.Cache, k string) bool {
	resp, found := store.Get(k)
	if !found {
		return false
	}
	cached := resp.(cachedResponse)
	for name, v := range cached.headers {
		c.Writer.Header()[name] = v
	}
	c.Writer.Header().Set("X-Cache", "HIT")
	c.Writer.WriteHeader(cached.status)
	c.Writer.Write(cached.body)
	c.Abort()
	return true
}

func record(c *gin.Context) *bodyCacheWriter {
	blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
	c.Writer = blw
	return blw
}

func cacheable(blw *bodyCacheWriter) (cachedResponse, bool) {
	if blw.Status() != http.StatusOK {
		return cachedResponse{}, false
	}
	headers := blw.Header().Clone()
	headers.Del("X-Request-ID")
	return cachedResponse{status: blw.Status(), headers: headers, body: blw.body.Bytes()}, true
}
