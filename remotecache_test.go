package gridnet

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridnet-io/gridnet/cache"
)

// testCacheProxy is a minimal server-side proxy backing the cache protocol
// with local engines, enough to exercise the remote facade end to end.
type testCacheProxy struct {
	mu     sync.Mutex
	caches map[string]*cache.LocalCache
	bound  map[*Channel]*cache.LocalCache
}

func newTestCacheProxy() *testCacheProxy {
	return &testCacheProxy{
		caches: make(map[string]*cache.LocalCache),
		bound:  make(map[*Channel]*cache.LocalCache),
	}
}

func (p *testCacheProxy) cacheFor(ch *Channel) *cache.LocalCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[ch]
}

func (p *testCacheProxy) decode(ch *Channel, b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	var v interface{}
	if err := ch.Serializer().Deserialize(bytes.NewReader(b), &v); err != nil {
		return nil
	}
	return v
}

func (p *testCacheProxy) encode(ch *Channel, v interface{}) []byte {
	if v == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := ch.Serializer().Serialize(&buf, v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (p *testCacheProxy) OnMessage(ch *Channel, msg Message, requestID int64) {
	resp := &cacheResponse{}
	switch m := msg.(type) {
	case *EnsureCacheRequest:
		p.mu.Lock()
		lc, ok := p.caches[m.CacheName]
		if !ok {
			lc, _ = cache.NewLocalCache(m.CacheName)
			p.caches[m.CacheName] = lc
		}
		p.bound[ch] = lc
		p.mu.Unlock()
	case *putRequest:
		lc := p.cacheFor(ch)
		old := lc.PutWithExpiry(p.decode(ch, m.Key), p.decode(ch, m.Value), time.Duration(m.Expiry)*time.Millisecond)
		if m.Return {
			resp.Result = p.encode(ch, old)
		}
	case *getRequest:
		lc := p.cacheFor(ch)
		if v, ok := lc.Get(p.decode(ch, m.Key)); ok {
			resp.Flag = true
			resp.Result = p.encode(ch, v)
		}
	case *removeRequest:
		lc := p.cacheFor(ch)
		old := lc.Remove(p.decode(ch, m.Key))
		if m.Return {
			resp.Result = p.encode(ch, old)
		}
	case *containsKeyRequest:
		resp.Flag = p.cacheFor(ch).ContainsKey(p.decode(ch, m.Key))
	case *sizeRequest:
		resp.Count = int64(p.cacheFor(ch).Size())
	case *clearRequest:
		p.cacheFor(ch).Clear()
	case *truncateRequest:
		// Supported on the grid side: silently wipe without events.
		p.cacheFor(ch).Clear()
	case *lockRequest:
		resp.Flag = p.cacheFor(ch).Lock(p.decode(ch, m.Key), time.Duration(m.WaitMillis)*time.Millisecond)
	case *unlockRequest:
		p.cacheFor(ch).Unlock(p.decode(ch, m.Key))
	default:
		resp.Error = "unsupported"
	}
	if requestID != 0 {
		ch.Respond(requestID, resp)
	}
}

func (p *testCacheProxy) OnChannelClosed(ch *Channel, cause error) {
	p.mu.Lock()
	delete(p.bound, ch)
	p.mu.Unlock()
}

func newCachePair(t *testing.T) (*testPair, *RemoteNamedCache) {
	t.Helper()
	p := newTestPair(t, nil, nil)
	p.serverSvc.RegisterReceiver(CacheServiceProxyName, newTestCacheProxy())

	svc := NewRemoteCacheService(p.client)
	named, err := svc.EnsureCache("prices")
	if err != nil {
		t.Fatalf("ensure cache: %v", err)
	}
	return p, named
}

// asInt64 normalizes the integer kinds a naked msgpack decode can produce.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

func TestRemoteCachePutGetRemove(t *testing.T) {
	_, named := newCachePair(t)

	if old, err := named.Put("sku-1", int64(100)); err != nil || old != nil {
		t.Fatalf("put = %v, %v", old, err)
	}
	v, ok, err := named.Get("sku-1")
	if err != nil || !ok {
		t.Fatalf("get = %v, %v, %v", v, ok, err)
	}
	if n, isInt := asInt64(v); !isInt || n != 100 {
		t.Fatalf("value = %#v", v)
	}

	old, err := named.Put("sku-1", int64(150))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n, isInt := asInt64(old); !isInt || n != 100 {
		t.Fatalf("prior value = %#v", old)
	}

	removed, err := named.Remove("sku-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, isInt := asInt64(removed); !isInt || n != 150 {
		t.Fatalf("removed = %#v", removed)
	}
	if _, ok, _ := named.Get("sku-1"); ok {
		t.Fatal("entry survived removal")
	}
}

func TestRemoteCacheSizeContainsClear(t *testing.T) {
	_, named := newCachePair(t)

	for i, k := range []string{"a", "b", "c"} {
		if _, err := named.Put(k, int64(i)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if n, err := named.Size(); err != nil || n != 3 {
		t.Fatalf("size = %d, %v", n, err)
	}
	if ok, err := named.ContainsKey("b"); err != nil || !ok {
		t.Fatalf("contains = %v, %v", ok, err)
	}
	if err := named.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := named.Size(); n != 0 {
		t.Fatalf("size after clear = %d", n)
	}
}

func TestRemoteCacheTruncateSupported(t *testing.T) {
	_, named := newCachePair(t)
	if _, err := named.Put("x", "y"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := named.Truncate(); err != nil {
		t.Fatalf("remote truncate should be supported: %v", err)
	}
	if n, _ := named.Size(); n != 0 {
		t.Fatalf("size after truncate = %d", n)
	}
}

func TestRemoteCacheLockRoundTrip(t *testing.T) {
	_, named := newCachePair(t)

	ok, err := named.Lock("row", 0)
	if err != nil || !ok {
		t.Fatalf("lock = %v, %v", ok, err)
	}
	if err := named.Unlock("row"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestRemoteCacheErrorSurfaces(t *testing.T) {
	_, named := newCachePair(t)

	// The stub proxy rejects queries; the facade must surface the failure
	// verbatim, with no retry.
	if _, err := named.Keys(nil); err == nil {
		t.Fatal("expected error from unsupported query")
	} else if errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected timeout: %v", err)
	}
}

func TestRemoteInvocationService(t *testing.T) {
	p := newTestPair(t, nil, nil)
	p.serverSvc.RegisterReceiver(InvocationServiceProxyName, &echoInvocationProxy{})

	inv, err := NewRemoteInvocationService(p.client)
	if err != nil {
		t.Fatalf("open invocation service: %v", err)
	}
	defer inv.Close()

	result, err := inv.Query([]byte("task-payload"), time.Second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(result) != "task-payload" {
		t.Fatalf("result = %q", result)
	}
}

// echoInvocationProxy answers every invocation with its own task bytes.
type echoInvocationProxy struct{}

func (echoInvocationProxy) OnMessage(ch *Channel, msg Message, requestID int64) {
	if req, ok := msg.(*InvocationRequest); ok && requestID != 0 {
		ch.Respond(requestID, &invocationResponse{Result: req.Task})
	}
}

func (echoInvocationProxy) OnChannelClosed(*Channel, error) {}
