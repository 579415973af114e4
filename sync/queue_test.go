package sync

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*WorkQueue, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := openDBAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWorkQueue(db), dbPath
}

func TestWorkQueue_PushNextAck(t *testing.T) {
	q, _ := newTestQueue(t)

	added, err := q.Push("/backup/a.tar")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Push("/backup/b.tar")
	require.NoError(t, err)
	assert.True(t, added)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done := make(chan struct{})
	item, ok := q.Next(done, time.Second)
	require.True(t, ok)
	require.NotNil(t, item)
	assert.Equal(t, "/backup/a.tar", item.Path)

	// Next without Ack re-presents the same head.
	again, ok := q.Next(done, time.Second)
	require.True(t, ok)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)

	require.NoError(t, q.Ack(item.ID))

	item, ok = q.Next(done, time.Second)
	require.True(t, ok)
	require.NotNil(t, item)
	assert.Equal(t, "/backup/b.tar", item.Path)
	require.NoError(t, q.Ack(item.ID))

	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorkQueue_Dedup(t *testing.T) {
	q, _ := newTestQueue(t)

	added, err := q.Push("/backup/same.tar")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Push("/backup/same.tar")
	require.NoError(t, err)
	assert.False(t, added)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkQueue_Has(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Push("/backup/a.tar")
	require.NoError(t, err)

	has, err := q.Has("/backup/a.tar")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = q.Has("/backup/b.tar")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWorkQueue_IdleTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	done := make(chan struct{})
	start := time.Now()
	item, ok := q.Next(done, 30*time.Millisecond)
	assert.True(t, ok)
	assert.Nil(t, item)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWorkQueue_NextUnblocksOnPush(t *testing.T) {
	q, _ := newTestQueue(t)
	done := make(chan struct{})

	result := make(chan string, 1)
	go func() {
		item, ok := q.Next(done, 5*time.Second)
		if ok && item != nil {
			result <- item.Path
		}
	}()

	// Should be blocking
	select {
	case <-result:
		t.Fatal("Next should block while the queue is empty")
	case <-time.After(50 * time.Millisecond):
		// Expected
	}

	_, err := q.Push("/backup/wakeup.tar")
	require.NoError(t, err)

	select {
	case path := <-result:
		assert.Equal(t, "/backup/wakeup.tar", path)
	case <-time.After(time.Second):
		t.Fatal("Next should have unblocked")
	}
}

func TestWorkQueue_NextDone(t *testing.T) {
	q, _ := newTestQueue(t)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Next(done, time.Minute)
		result <- ok
	}()

	close(done)

	select {
	case ok := <-result:
		assert.False(t, ok, "Next should return false when done closes")
	case <-time.After(time.Second):
		t.Fatal("Next should have returned")
	}
}

func TestWorkQueue_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	db, err := openDBAt(dbPath)
	require.NoError(t, err)
	q := NewWorkQueue(db)

	for _, p := range []string{"/backup/1.tar", "/backup/2.tar", "/backup/3.tar"} {
		_, err := q.Push(p)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// Simulated restart: a fresh handle sees the same pending set in order.
	db2, err := openDBAt(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	q2 := NewWorkQueue(db2)

	pending, err := q2.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"/backup/1.tar", "/backup/2.tar", "/backup/3.tar"}, pending)
}

func TestWorkQueue_ConcurrentPush(t *testing.T) {
	q, _ := newTestQueue(t)

	const perProducer = 20
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	go func() {
		defer close(doneA)
		for i := 0; i < perProducer; i++ {
			_, err := q.Push(filepath.Join("/backup/scan", strconv.Itoa(i)+".tar"))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer close(doneB)
		for i := 0; i < perProducer; i++ {
			_, err := q.Push(filepath.Join("/backup/watch", strconv.Itoa(i)+".tar"))
			assert.NoError(t, err)
		}
	}()

	<-doneA
	<-doneB

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2*perProducer, n)
}
