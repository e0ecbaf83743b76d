package healthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	lastApplied uint64
	commitIndex uint64
	isLeader    bool
	members     []string
	resilverID  string
	resilvering bool
}

func (f *fakeSource) LastApplied() uint64 { return f.lastApplied }
func (f *fakeSource) CommitIndex() uint64 { return f.commitIndex }
func (f *fakeSource) IsLeader() bool      { return f.isLeader }
func (f *fakeSource) Members() []string   { return f.members }
func (f *fakeSource) Resilvering() (string, bool) {
	return f.resilverID, f.resilvering
}

func TestHealthzReportsHealthyWhenCaughtUp(t *testing.T) {
	src := &fakeSource{lastApplied: 5, commitIndex: 5, isLeader: true, members: []string{"a", "b"}}
	s := New("127.0.0.1:19192", src)
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://127.0.0.1:19192/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.True(t, st.Healthy)
	require.True(t, st.IsLeader)
}

func TestHealthzBody(t *testing.T) {
	src := &fakeSource{lastApplied: 3, commitIndex: 5, isLeader: false, members: []string{"a", "b", "c"}, resilverID: "xfer-1", resilvering: true}
	s := New("127.0.0.1:19191", src)
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://127.0.0.1:19191/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.False(t, st.Healthy)
	require.Equal(t, uint64(3), st.LastApplied)
	require.Equal(t, uint64(5), st.CommitIndex)
	require.Equal(t, []string{"a", "b", "c"}, st.Members)
	require.True(t, st.ResilveringActive)
	require.Equal(t, "xfer-1", st.ResilveringID)
}
