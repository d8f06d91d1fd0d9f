package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zsiec/moqpub/internal/transport"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func expectLines(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, want := range lines {
		if !strings.Contains(body, want+"\n") {
			t.Errorf("scrape is missing %q", want)
		}
	}
}

func TestInstrumentBroadcast(t *testing.T) {
	t.Parallel()
	m := New()
	relay := transport.NewRelay("live", nil)
	b := InstrumentBroadcast(relay, m)

	tw, err := b.CreateTrack("720p")
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		gw, err := tw.AppendGroup(10)
		if err != nil {
			t.Fatal(err)
		}
		for _, obj := range []string{"moof", "mdat-payload"} {
			if err := gw.Write(context.Background(), []byte(obj)); err != nil {
				t.Fatal(err)
			}
		}
	}

	if _, err := b.CreateTrack("720p"); !errors.Is(err, transport.ErrDuplicateTrack) {
		t.Errorf("duplicate CreateTrack err = %v", err)
	}
	relay.Close()
	if _, err := b.CreateTrack("audio"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("CreateTrack after Close err = %v", err)
	}

	expectLines(t, scrape(t, m.Handler(nil)),
		`moqpub_groups_total{track="720p"} 2`,
		`moqpub_objects_total{track="720p"} 4`,
		`moqpub_object_bytes_total{track="720p"} 32`,
		`moqpub_transport_errors_total{track="720p"} 1`,
		`moqpub_transport_errors_total{track="audio"} 1`,
	)
}

func TestHandler_UpdatesGauges(t *testing.T) {
	t.Parallel()
	m := New()
	var scraped bool
	h := m.Handler(func() {
		scraped = true
		m.SetSessions(3)
		m.SetLanes(map[string]int{"running": 2, "failed": 1})
	})

	body := scrape(t, h)
	if !scraped {
		t.Fatal("updateGauges was not called")
	}
	expectLines(t, body,
		"moqpub_sessions 3",
		`moqpub_lanes{state="failed"} 1`,
		`moqpub_lanes{state="running"} 2`,
	)

	m.SetLanes(map[string]int{"finished": 1})
	h = m.Handler(nil)
	body = scrape(t, h)
	if strings.Contains(body, `state="running"`) {
		t.Error("SetLanes kept a stale state")
	}
}

func TestRequestMiddleware(t *testing.T) {
	t.Parallel()
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	for _, path := range []string{"/ok", "/missing", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	expectLines(t, scrape(t, m.Handler(nil)),
		"moqpub_http_requests_total 3",
		"moqpub_http_errors_total 1",
	)
}
