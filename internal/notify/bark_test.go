package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBarkNotifierValidatesURL(t *testing.T) {
	_, err := NewBarkNotifier("  ")
	assert.Error(t, err)

	_, err = NewBarkNotifier("not a url")
	assert.Error(t, err)

	b, err := NewBarkNotifier("https://api.day.app/key/")
	require.NoError(t, err)
	assert.Equal(t, "https://api.day.app/key", b.endpoint)
}

func TestBarkSend(t *testing.T) {
	var (
		method string
		path   string
		form   url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method, path, form = r.Method, r.URL.Path, r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL + "/device-key")
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "Task greet finished", "phase: Succeeded"))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/device-key", path)
	assert.Equal(t, "Task greet finished", form.Get("title"))
	assert.Equal(t, "phase: Succeeded", form.Get("body"))
	assert.Equal(t, "podtask", form.Get("group"))
}

func TestBarkSendReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL)
	require.NoError(t, err)
	assert.ErrorContains(t, b.Send(context.Background(), "t", "b"), "400")
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Send(ctx context.Context, title, body string) error {
	s.calls++
	return s.err
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &stubNotifier{}
	bad := &stubNotifier{err: boom}
	m := NewMultiNotifier(ok, bad, &NoOpNotifier{})

	err := m.Send(context.Background(), "t", "b")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)

	assert.NoError(t, NewMultiNotifier().Send(context.Background(), "t", "b"))
}
