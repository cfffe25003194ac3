package tracking

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"guildwatch/internal/eventbus"
	"guildwatch/internal/guildcfg"
	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

type sentEmbed struct {
	channel string
	embed   transport.Embed
}

// fakeTransport stands in for the platform: cache, fetch, send, permissions.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentEmbed
	replies  []string
	sendErr  error
	cache    map[string]*transport.Message
	remote   map[string]*transport.Message
	fetchErr error
	fetches  int
	channels map[string]string
	sendable map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		cache:    map[string]*transport.Message{},
		remote:   map[string]*transport.Message{},
		channels: map[string]string{},
		sendable: map[string]bool{},
	}
}

func (f *fakeTransport) SendEmbed(_ context.Context, channelID string, e transport.Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEmbed{channel: channelID, embed: e})
	return nil
}

func (f *fakeTransport) CachedMessage(channelID, messageID string) (*transport.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.cache[channelID+"/"+messageID]
	return m, ok
}

func (f *fakeTransport) FetchMessage(_ context.Context, channelID, messageID string) (*transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	m, ok := f.remote[channelID+"/"+messageID]
	if !ok {
		return nil, errors.New("404 Not Found")
	}
	return m, nil
}

func (f *fakeTransport) ChannelInGuild(_ context.Context, guildID, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channelID] == guildID, nil
}

func (f *fakeTransport) CanSend(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendable[channelID], nil
}

func (f *fakeTransport) Reply(_ context.Context, _, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) sentCopy() []sentEmbed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmbed(nil), f.sent...)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const (
	testGuild   = "100"
	testLogChan = "500"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	router   *Router
	store    storage.Store
	resolver *guildcfg.Resolver
	tr       *fakeTransport
	logs     *syncBuffer
	bus      eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return newHarnessWithKV(t, st, st)
}

func newHarnessWithKV(t *testing.T, kv storage.KV, st storage.Store) *harness {
	t.Helper()
	tr := newFakeTransport()
	tr.channels[testLogChan] = testGuild
	tr.sendable[testLogChan] = true

	logs := &syncBuffer{}
	log := logx.NewWriter(logs, "debug")
	bus := eventbus.New()
	resolver := guildcfg.NewResolver(kv, tr, log)
	r := New(Deps{
		KV:      kv,
		Config:  resolver,
		Cache:   tr,
		Fetcher: tr,
		Sender:  NewSender(tr, 0, time.Second),
		Replier: tr,
		Bus:     bus,
		Log:     log,
		Now:     func() time.Time { return testNow },
	}, Options{FetchTimeout: time.Second, Reactions: true})
	return &harness{router: r, store: st, resolver: resolver, tr: tr, logs: logs, bus: bus}
}

func (h *harness) enable(t *testing.T, f guildcfg.Feature) {
	t.Helper()
	if err := h.resolver.Enable(context.Background(), testGuild, f, testLogChan); err != nil {
		t.Fatalf("Enable(%s): %v", f, err)
	}
}

func (h *harness) dispatch(t *testing.T, ev transport.Event) {
	t.Helper()
	if err := h.router.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch(%s): %v", ev.Kind, err)
	}
}

func (h *harness) warnings() int { return h.logs.count(`"level":"warn"`) }
