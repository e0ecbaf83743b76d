package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidWithNoPeersIsAlwaysValid(t *testing.T) {
	r := New(time.Second, 100*time.Millisecond)
	require.True(t, r.Valid(time.Now(), nil))
}

func TestValidWithinWindow(t *testing.T) {
	r := New(time.Second, 100*time.Millisecond)
	base := time.Now()
	r.RecordContact("p1", base)
	r.RecordContact("p2", base)

	require.True(t, r.Valid(base.Add(200*time.Millisecond), []string{"p1", "p2"}))
}

func TestInvalidPastWindow(t *testing.T) {
	r := New(time.Second, 100*time.Millisecond)
	base := time.Now()
	r.RecordContact("p1", base)
	r.RecordContact("p2", base)

	require.False(t, r.Valid(base.Add(2*time.Second), []string{"p1", "p2"}))
}

func TestRecordContactKeepsLatest(t *testing.T) {
	r := New(time.Second, 0)
	base := time.Now()
	r.RecordContact("p1", base)
	r.RecordContact("p1", base.Add(-time.Minute))

	require.True(t, r.Valid(base.Add(900*time.Millisecond), []string{"p1", "p1"}))
}

func TestResetClearsContacts(t *testing.T) {
	r := New(time.Second, 0)
	base := time.Now()
	r.RecordContact("p1", base)
	r.Reset()

	require.False(t, r.Valid(base, []string{"p1"}))
}
