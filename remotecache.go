package gridnet

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RemoteCacheService exposes named caches hosted by the grid over one
// connection. Each ensured cache is bound to its own channel. The facade
// performs no retries; failures and partial results surface verbatim.
type RemoteCacheService struct {
	svc  *Service
	conn *Connection

	mu     sync.Mutex
	caches map[string]*RemoteNamedCache
}

// NewRemoteCacheService wraps an open connection.
func NewRemoteCacheService(conn *Connection) *RemoteCacheService {
	return &RemoteCacheService{
		svc:    conn.Service(),
		conn:   conn,
		caches: make(map[string]*RemoteNamedCache),
	}
}

// EnsureCache resolves the named cache on the proxy, opening a dedicated
// channel for it on first use.
func (s *RemoteCacheService) EnsureCache(name string) (*RemoteNamedCache, error) {
	if err := s.svc.WaitAcceptingClients(s.svc.cfg.connectTimeout); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.caches[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	receiver := &cacheEventReceiver{svc: s.svc}
	ch, err := s.conn.OpenChannel(CacheServiceProtocol, CacheServiceProxyName, receiver, s.svc.cfg.identity)
	if err != nil {
		return nil, err
	}

	c := &RemoteNamedCache{name: name, svc: s.svc, conn: s.conn, ch: ch, events: receiver}
	receiver.cache = c
	if _, err := c.roundTrip(&EnsureCacheRequest{CacheName: name}, 0); err != nil {
		ch.Close()
		return nil, err
	}

	s.mu.Lock()
	s.caches[name] = c
	s.mu.Unlock()
	return c, nil
}

// Release detaches a named cache, closing its channel.
func (s *RemoteCacheService) Release(c *RemoteNamedCache) error {
	s.mu.Lock()
	delete(s.caches, c.name)
	s.mu.Unlock()
	return c.ch.Close()
}

// RemoteMapEvent is a cache event pushed by the proxy.
type RemoteMapEvent struct {
	Type     int32 // 1 inserted, 2 updated, 3 deleted
	Key      interface{}
	OldValue interface{}
	NewValue interface{}
	Lite     bool
}

// RemoteNamedCache is the client view of one grid-hosted cache.
type RemoteNamedCache struct {
	name   string
	svc    *Service
	conn   *Connection
	ch     *Channel
	events *cacheEventReceiver
}

// Name returns the cache name.
func (c *RemoteNamedCache) Name() string { return c.name }

// Channel returns the channel bound to this cache.
func (c *RemoteNamedCache) Channel() *Channel { return c.ch }

func (c *RemoteNamedCache) encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.ch.Serializer().Serialize(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *RemoteNamedCache) decode(b []byte) (interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := c.ch.Serializer().Deserialize(bytes.NewReader(b), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// roundTrip brackets one request with the connection gate, applies the
// timeout (0 selects the service default) and unwraps the generic response.
func (c *RemoteNamedCache) roundTrip(req Message, timeout time.Duration) (*cacheResponse, error) {
	gate := c.conn.Gate()
	if err := gate.Enter(); err != nil {
		return nil, err
	}
	defer gate.Exit()

	status, err := c.ch.RequestWithTimeout(req, timeout)
	if err != nil {
		return nil, err
	}
	msg, err := status.Await(timeout)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*cacheResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response %T", ErrProtocol, msg)
	}
	if resp.Error != "" {
		if resp.Error == "unsupported" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, c.name)
		}
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// Get returns the value bound to key and whether it was present.
func (c *RemoteNamedCache) Get(key interface{}) (interface{}, bool, error) {
	kb, err := c.encode(key)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.roundTrip(&getRequest{Key: kb}, 0)
	if err != nil {
		return nil, false, err
	}
	if !resp.Flag {
		return nil, false, nil
	}
	v, err := c.decode(resp.Result)
	return v, true, err
}

// Put binds value to key and returns the prior value, if any.
func (c *RemoteNamedCache) Put(key, value interface{}) (interface{}, error) {
	return c.PutWithExpiry(key, value, 0)
}

// PutWithExpiry is Put with an explicit time-to-live. ttl 0 uses the cache
// default; a negative ttl disables expiry for the entry.
func (c *RemoteNamedCache) PutWithExpiry(key, value interface{}, ttl time.Duration) (interface{}, error) {
	kb, err := c.encode(key)
	if err != nil {
		return nil, err
	}
	vb, err := c.encode(value)
	if err != nil {
		return nil, err
	}
	expiry := ttl.Milliseconds()
	if ttl < 0 {
		expiry = -1
	}
	resp, err := c.roundTrip(&putRequest{Key: kb, Value: vb, Expiry: expiry, Return: true}, 0)
	if err != nil {
		return nil, err
	}
	return c.decode(resp.Result)
}

// Remove unbinds key and returns the removed value, if any.
func (c *RemoteNamedCache) Remove(key interface{}) (interface{}, error) {
	kb, err := c.encode(key)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(&removeRequest{Key: kb, Return: true}, 0)
	if err != nil {
		return nil, err
	}
	return c.decode(resp.Result)
}

// GetAll fetches the present subset of keys.
func (c *RemoteNamedCache) GetAll(keys []interface{}) (map[interface{}]interface{}, error) {
	kbs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		kb, err := c.encode(k)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	resp, err := c.roundTrip(&getAllRequest{Keys: kbs}, 0)
	if err != nil {
		return nil, err
	}
	return c.decodeEntries(resp.Results)
}

func (c *RemoteNamedCache) decodeEntries(raw map[string][]byte) (map[interface{}]interface{}, error) {
	out := make(map[interface{}]interface{}, len(raw))
	for kb, vb := range raw {
		k, err := c.decode([]byte(kb))
		if err != nil {
			return nil, err
		}
		v, err := c.decode(vb)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// PutAll stores every entry of m.
func (c *RemoteNamedCache) PutAll(m map[interface{}]interface{}) error {
	entries := make(map[string][]byte, len(m))
	for k, v := range m {
		kb, err := c.encode(k)
		if err != nil {
			return err
		}
		vb, err := c.encode(v)
		if err != nil {
			return err
		}
		entries[string(kb)] = vb
	}
	_, err := c.roundTrip(&putAllRequest{Entries: entries}, 0)
	return err
}

// ContainsKey reports whether key is bound.
func (c *RemoteNamedCache) ContainsKey(key interface{}) (bool, error) {
	kb, err := c.encode(key)
	if err != nil {
		return false, err
	}
	resp, err := c.roundTrip(&containsKeyRequest{Key: kb}, 0)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// Size returns the number of entries.
func (c *RemoteNamedCache) Size() (int, error) {
	resp, err := c.roundTrip(&sizeRequest{}, 0)
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// Clear removes every entry.
func (c *RemoteNamedCache) Clear() error {
	_, err := c.roundTrip(&clearRequest{}, 0)
	return err
}

// Truncate removes every entry without firing events. Supported by the
// remote engine only.
func (c *RemoteNamedCache) Truncate() error {
	_, err := c.roundTrip(&truncateRequest{}, 0)
	return err
}

// Keys returns the keys selected by the serialized filter. A nil filter
// selects everything.
func (c *RemoteNamedCache) Keys(filter []byte) ([]interface{}, error) {
	resp, err := c.roundTrip(&queryRequest{Filter: filter, KeysOnly: true}, 0)
	if err != nil {
		return nil, err
	}
	keys := make([]interface{}, 0, len(resp.Results))
	for kb := range resp.Results {
		k, err := c.decode([]byte(kb))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Entries returns the entries selected by the serialized filter.
func (c *RemoteNamedCache) Entries(filter []byte) (map[interface{}]interface{}, error) {
	resp, err := c.roundTrip(&queryRequest{Filter: filter}, 0)
	if err != nil {
		return nil, err
	}
	return c.decodeEntries(resp.Results)
}

// Aggregate runs the serialized aggregator over the selected entries and
// returns its result verbatim.
func (c *RemoteNamedCache) Aggregate(filter, aggregator []byte) (interface{}, error) {
	resp, err := c.roundTrip(&aggregateRequest{Filter: filter, Aggregator: aggregator}, 0)
	if err != nil {
		return nil, err
	}
	return c.decode(resp.Result)
}

// Invoke runs the serialized entry processor against key.
func (c *RemoteNamedCache) Invoke(key interface{}, processor []byte) (interface{}, error) {
	kb, err := c.encode(key)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(&invokeRequest{Key: kb, Processor: processor}, 0)
	if err != nil {
		return nil, err
	}
	return c.decode(resp.Result)
}

// InvokeAll runs the serialized processor against the entries selected by
// the filter, returning per-key results.
func (c *RemoteNamedCache) InvokeAll(filter, processor []byte) (map[interface{}]interface{}, error) {
	resp, err := c.roundTrip(&invokeAllRequest{Filter: filter, Processor: processor}, 0)
	if err != nil {
		return nil, err
	}
	return c.decodeEntries(resp.Results)
}

// AddIndex asks the proxy to index the serialized extractor.
func (c *RemoteNamedCache) AddIndex(extractor []byte, ordered bool, comparator []byte) error {
	_, err := c.roundTrip(&addIndexRequest{Extractor: extractor, Ordered: ordered, Comparator: comparator}, 0)
	return err
}

// RemoveIndex drops the index built for the serialized extractor.
func (c *RemoteNamedCache) RemoveIndex(extractor []byte) error {
	_, err := c.roundTrip(&removeIndexRequest{Extractor: extractor}, 0)
	return err
}

// Lock acquires an exclusive lease on key on behalf of this client. wait 0
// returns immediately; a negative wait blocks until acquired.
func (c *RemoteNamedCache) Lock(key interface{}, wait time.Duration) (bool, error) {
	kb, err := c.encode(key)
	if err != nil {
		return false, err
	}
	// The lock round trip must outlive the requested wait.
	timeout := time.Duration(0)
	if wait < 0 {
		timeout = -1
	} else if wait > 0 {
		timeout = wait + c.svc.cfg.connectTimeout
	}
	resp, err := c.roundTrip(&lockRequest{Key: kb, WaitMillis: wait.Milliseconds()}, timeout)
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// Unlock releases the lease on key. Unlocking a lease held by another
// client fails silently.
func (c *RemoteNamedCache) Unlock(key interface{}) error {
	kb, err := c.encode(key)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(&unlockRequest{Key: kb}, 0)
	return err
}

// AddListener subscribes to events for key; a nil key subscribes to all
// events. Lite listeners may observe events without old/new values.
func (c *RemoteNamedCache) AddListener(key interface{}, lite bool, listener func(RemoteMapEvent)) error {
	var kb []byte
	var err error
	if key != nil {
		if kb, err = c.encode(key); err != nil {
			return err
		}
	}
	if _, err = c.roundTrip(&listenerRequest{Add: true, Key: kb, Lite: lite}, 0); err != nil {
		return err
	}
	c.events.add(listener)
	return nil
}

// cacheEventReceiver dispatches proxy-pushed map events to listeners via the
// service dispatcher.
type cacheEventReceiver struct {
	svc   *Service
	cache *RemoteNamedCache

	mu        sync.Mutex
	listeners []func(RemoteMapEvent)
}

func (r *cacheEventReceiver) add(l func(RemoteMapEvent)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *cacheEventReceiver) OnMessage(ch *Channel, msg Message, requestID int64) {
	ev, ok := msg.(*mapEventMessage)
	if !ok {
		r.svc.logger.Printf("[WARN] gridnet: cache channel %d dropping unsolicited %T", ch.ID(), msg)
		return
	}

	key, err := r.cache.decode(ev.Key)
	if err != nil {
		r.svc.logger.Printf("[ERR] gridnet: bad event key on channel %d: %v", ch.ID(), err)
		return
	}
	var oldV, newV interface{}
	if !ev.Lite {
		if oldV, err = r.cache.decode(ev.OldValue); err != nil {
			return
		}
		if newV, err = r.cache.decode(ev.NewValue); err != nil {
			return
		}
	}
	event := RemoteMapEvent{Type: ev.EventType, Key: key, OldValue: oldV, NewValue: newV, Lite: ev.Lite}

	r.mu.Lock()
	listeners := make([]func(RemoteMapEvent), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l := l
		r.svc.Dispatch(func() { l(event) })
	}
}

func (r *cacheEventReceiver) OnChannelClosed(ch *Channel, cause error) {}
