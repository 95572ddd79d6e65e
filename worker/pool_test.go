package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	iface "VinoDetServer/interface"
	"VinoDetServer/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	delay  time.Duration
	panics bool
	fail   bool
	mu     sync.Mutex
	calls  int
}

func (m *MockBackend) Detect(ctx context.Context, image []byte) iface.RetData {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.panics {
		panic("mock backend exploded")
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.fail {
		return iface.RetData{Success: false, Message: "device lost"}
	}
	return iface.RetData{Success: true, Data: []iface.BoundingBox{
		{LabelID: 1, Label: "person", Confidence: 0.9, Coords: [4]int{1, 2, 3, 4}},
		{LabelID: 3, Label: "car", Confidence: 0.8, Coords: [4]int{5, 6, 7, 8}},
	}}
}

func (m *MockBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Name: "mock", Device: "CPU"}
}

func (m *MockBackend) Destroy() {}

type memJournal struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (j *memJournal) Record(ctx context.Context, e store.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []store.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]store.Entry(nil), j.entries...)
}

func TestPool_Submit(t *testing.T) {
	journal := &memJournal{}
	p := NewPool(2, nil, journal)
	defer p.Close()

	res, err := p.Submit(context.Background(), Job{Model: "ssd", Transport: "grpc", Backend: &MockBackend{}, Image: []byte("img")})
	require.NoError(t, err)
	assert.True(t, res.Data.Success)
	assert.Len(t, res.Data.Data, 2)
	assert.NotEmpty(t, res.ID)

	entries := journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, res.ID, entries[0].ID)
	assert.Equal(t, "ssd", entries[0].Model)
	assert.Equal(t, "CPU", entries[0].Device)
	assert.Equal(t, "grpc", entries[0].Transport)
	assert.Equal(t, 2, entries[0].Boxes)
	assert.Equal(t, "person,car", entries[0].Labels)
	assert.Empty(t, entries[0].Err)
}

func TestPool_FailureIsJournaled(t *testing.T) {
	journal := &memJournal{}
	p := NewPool(1, nil, journal)
	defer p.Close()

	res, err := p.Submit(context.Background(), Job{Model: "ssd", Backend: &MockBackend{fail: true}})
	require.NoError(t, err)
	assert.False(t, res.Data.Success)
	assert.NotNil(t, res.Data.Data)
	require.Len(t, journal.all(), 1)
	assert.Equal(t, "device lost", journal.all()[0].Err)
}

func TestPool_Concurrency(t *testing.T) {
	p := NewPool(4, nil, nil)
	defer p.Close()
	backend := &MockBackend{delay: 30 * time.Millisecond}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Submit(context.Background(), Job{Backend: backend})
			assert.NoError(t, err)
			assert.True(t, res.Data.Success)
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 8*30*time.Millisecond)
	assert.Equal(t, 8, backend.calls)
}

func TestPool_PanicRestartsWorker(t *testing.T) {
	p := NewPool(1, nil, nil)
	p.restart = 10 * time.Millisecond
	defer p.Close()

	res, err := p.Submit(context.Background(), Job{Backend: &MockBackend{panics: true}})
	require.NoError(t, err)
	assert.False(t, res.Data.Success)
	assert.Contains(t, res.Data.Message, "mock backend exploded")

	res, err = p.Submit(context.Background(), Job{Backend: &MockBackend{}})
	require.NoError(t, err)
	assert.True(t, res.Data.Success)
}

func TestPool_ContextCancelled(t *testing.T) {
	p := NewPool(1, nil, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, Job{Backend: &MockBackend{delay: 200 * time.Millisecond}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_Close(t *testing.T) {
	p := NewPool(1, nil, nil)
	p.Close()
	p.Close()
	_, err := p.Submit(context.Background(), Job{Backend: &MockBackend{}})
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = NewPool(1, nil, nil).Submit(context.Background(), Job{Model: "x"})
	assert.Error(t, err)
}
