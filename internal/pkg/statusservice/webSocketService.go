package statusservice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// WsConn is interface for websocket handling in status service
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	WriteJSON(v interface{}) error
}

// SnapshotFunc returns current owner's job status document, nil if no such job
type SnapshotFunc func(ctx context.Context, owner, id string) (interface{}, error)

type subscriber struct {
	conn WsConn
	key  string
	// gorilla connections support one concurrent writer
	wLock sync.Mutex
}

func (s *subscriber) write(v interface{}) error {
	s.wLock.Lock()
	defer s.wLock.Unlock()
	return s.conn.WriteJSON(v)
}

// WSConnKeeper keeps job subscriptions of websocket connections
type WSConnKeeper struct {
	byKey    map[string]map[*subscriber]struct{}
	lock     sync.Mutex
	timeOut  time.Duration
	snapshot SnapshotFunc
}

// NewWSConnKeeper creates manager. If snapshot is not nil the current status is sent on subscribe
func NewWSConnKeeper(snapshot SnapshotFunc) *WSConnKeeper {
	return &WSConnKeeper{byKey: make(map[string]map[*subscriber]struct{}), timeOut: time.Minute * 30,
		snapshot: snapshot}
}

// Key is a subscription key of the owner's job
func Key(owner, id string) string {
	return owner + "/" + id
}

// HandleConnection loops while the connection is active. Every received message is a job ID,
// the connection is subscribed to the last one. Only owner's jobs can be subscribed
func (kp *WSConnKeeper) HandleConnection(conn WsConn, owner string) error {
	sub := &subscriber{conn: conn}
	defer kp.unsubscribe(sub)
	defer conn.Close()
	readCh := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go readMessages(conn, readCh, done)

	ta := time.After(kp.timeOut)
	for {
		select {
		case <-ta:
			goapp.Log.Debug().Msg("ws timeout")
			return nil
		case id, ok := <-readCh:
			if !ok {
				return nil
			}
			kp.subscribe(sub, Key(owner, id))
			kp.sendSnapshot(sub, owner, id)
			ta = time.After(kp.timeOut)
		}
	}
}

// readMessages passes trimmed non empty messages to readCh until read fails or done is closed
func readMessages(conn WsConn, readCh chan<- string, done <-chan struct{}) {
	defer close(readCh)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			goapp.Log.Debug().Err(err).Msg("ws read")
			return
		}
		msg := strings.TrimSpace(string(message))
		if msg == "" {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		select {
		case readCh <- msg:
		case <-done:
			return
		}
	}
}

func (kp *WSConnKeeper) sendSnapshot(sub *subscriber, owner, id string) {
	if kp.snapshot == nil {
		return
	}
	ctx, cf := context.WithTimeout(context.Background(), 10*time.Second)
	defer cf()
	v, err := kp.snapshot(ctx, owner, id)
	if err != nil {
		goapp.Log.Warn().Err(err).Str("ID", goapp.Sanitize(id)).Msg("can't load snapshot")
		return
	}
	if v == nil {
		return
	}
	if err := sub.write(v); err != nil {
		goapp.Log.Warn().Err(err).Msg("can't write snapshot")
	}
}

func (kp *WSConnKeeper) subscribe(sub *subscriber, key string) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.unsubscribeNoSync(sub)
	sub.key = key
	subs, found := kp.byKey[key]
	if !found {
		subs = map[*subscriber]struct{}{}
		kp.byKey[key] = subs
	}
	subs[sub] = struct{}{}
	goapp.Log.Debug().Str("key", goapp.Sanitize(key)).Int("keys", len(kp.byKey)).Msg("subscribed")
}

func (kp *WSConnKeeper) unsubscribe(sub *subscriber) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.unsubscribeNoSync(sub)
}

func (kp *WSConnKeeper) unsubscribeNoSync(sub *subscriber) {
	if sub.key == "" {
		return
	}
	if subs, found := kp.byKey[sub.key]; found {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(kp.byKey, sub.key)
		}
	}
	sub.key = ""
}

func (kp *WSConnKeeper) subscribers(key string) []*subscriber {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	res := make([]*subscriber, 0, len(kp.byKey[key]))
	for s := range kp.byKey[key] {
		res = append(res, s)
	}
	return res
}

// Count returns number of connections subscribed with the key
func (kp *WSConnKeeper) Count(key string) int {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	return len(kp.byKey[key])
}

// Send writes v to all connections subscribed with the key, returns number of successful writes
func (kp *WSConnKeeper) Send(key string, v interface{}) int {
	res := 0
	for _, s := range kp.subscribers(key) {
		if err := s.write(v); err != nil {
			goapp.Log.Warn().Err(err).Msg("can't write to websocket")
			continue
		}
		res++
	}
	return res
}
