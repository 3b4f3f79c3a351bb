package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/config"
	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/enrich"
	"github.com/Elaine-s-Datanauts/blacksky/internal/fetch"
	"github.com/Elaine-s-Datanauts/blacksky/internal/spacetrack"
	"github.com/Elaine-s-Datanauts/blacksky/internal/window"
)

// spaceTrack is a minimal in-memory element service.
type spaceTrack struct {
	mu       sync.Mutex
	requests []string
	logouts  int
}

func (s *spaceTrack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/ajaxauth/login":
		http.SetCookie(w, &http.Cookie{Name: "chocolatechip", Value: "ok", Path: "/"})
		fmt.Fprint(w, `""`)
		return
	case "/ajaxauth/logout":
		s.logouts++
		fmt.Fprint(w, `"Successfully logged out"`)
		return
	}
	if _, err := r.Cookie("chocolatechip"); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 7 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	class, value := parts[4], parts[6]
	s.requests = append(s.requests, class+" "+value)

	switch {
	case class == "gp_history" && strings.HasPrefix(value, ">2024-01-01,"):
		fmt.Fprint(w, `[
			{"NORAD_CAT_ID":"25544","EPOCH":"2024-01-01T13:00:00.000000","MEAN_MOTION":"15.5","ECCENTRICITY":"0.0004"},
			{"NORAD_CAT_ID":"43013","EPOCH":"2024-01-01T05:00:00","OBJECT_TYPE":"PAYLOAD","OBJECT_NAME":"NOAA 20"},
			{"NORAD_CAT_ID":"25544","EPOCH":"2024-01-01T01:00:00","MEAN_MOTION":"15.49"}
		]`)
	case class == "gp_history":
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "try later")
	case class == "tle" && strings.HasPrefix(value, ">2024-01-02,"):
		fmt.Fprint(w, `[
			{"satno":25544,"epoch":"2024-01-02 02:00:00","ecc":"0.0005"},
			{"satno":48274,"epoch":"2024-01-02 06:00:00"}
		]`)
	case class == "satcat":
		var rows []string
		for _, id := range strings.Split(value, ",") {
			switch id {
			case "25544":
				rows = append(rows, `{"NORAD_CAT_ID":"25544","OBJECT_TYPE":"PAYLOAD","OBJECT_NAME":"ISS (ZARYA)","OBJECT_ID":"1998-067A"}`)
			case "48274":
				rows = append(rows, `{"NORAD_CAT_ID":"48274","OBJECT_TYPE":"rocket body"}`)
			}
		}
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	default:
		fmt.Fprint(w, `[]`)
	}
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SpaceTrack.BaseURL = baseURL
	cfg.SpaceTrack.Username = "user"
	cfg.SpaceTrack.Password = "pass"
	cfg.SpaceTrack.RatePerMinute = 0
	cfg.Window.End = "2024-01-03"
	cfg.Window.LookbackDays = 2
	cfg.Output.Path = filepath.Join(t.TempDir(), "data", "in", "tle_gp_history.csv")
	return cfg
}

func noSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

func TestRunner_EndToEnd(t *testing.T) {
	st := &spaceTrack{}
	srv := httptest.NewServer(st)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	r := NewDefaultRunner(zap.NewNop())
	r.RunID = "run-1"
	r.Sleep = noSleep

	sum, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	if sum.RunID != "run-1" || sum.Rows != 5 || sum.Satellites != 3 || sum.Path != cfg.Output.Path {
		t.Fatalf("Summary=%+v", sum)
	}
	if diff := cmp.Diff([]string{"PAYLOAD", "ROCKET BODY"}, sum.ObjectTypes); diff != "" {
		t.Fatalf("ObjectTypes mismatch (-want +got):\n%s", diff)
	}

	wantRequests := []string{
		"gp_history >2024-01-01,<2024-01-02",
		"gp_history >2024-01-02,<2024-01-03",
		"gp_history >2024-01-02,<2024-01-03",
		"tle >2024-01-02,<2024-01-03",
		"satcat 25544,48274",
	}
	if diff := cmp.Diff(wantRequests, st.requests); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if st.logouts != 1 {
		t.Fatalf("logouts=%d, want 1", st.logouts)
	}

	b, err := os.ReadFile(cfg.Output.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(b)) != sum.Bytes {
		t.Fatalf("Bytes=%d, file has %d", sum.Bytes, len(b))
	}
	want := strings.Join([]string{
		"NORAD_CAT_ID,EPOCH,MEAN_MOTION,ECCENTRICITY,INCLINATION,RA_OF_ASC_NODE,ARG_OF_PERICENTER,BSTAR,OBJECT_TYPE,OBJECT_NAME,OBJECT_ID",
		"25544,2024-01-01T01:00:00Z,15.49,,,,,,PAYLOAD,,",
		"25544,2024-01-01T13:00:00Z,15.5,0.0004,,,,,PAYLOAD,,",
		"25544,2024-01-02T02:00:00Z,,0.0005,,,,,PAYLOAD,,",
		"43013,2024-01-01T05:00:00Z,,,,,,,PAYLOAD,NOAA 20,",
		"48274,2024-01-02T06:00:00Z,,,,,,,ROCKET BODY,,",
		"",
	}, "\n")
	if diff := cmp.Diff(want, string(b)); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestRunner_LoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Login":"Failed"}`)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	_, err := NewDefaultRunner(nil).Run(context.Background(), cfg)
	if !errors.Is(err, spacetrack.ErrLogin) {
		t.Fatalf("Run() err=%v, want ErrLogin", err)
	}
	if _, statErr := os.Stat(cfg.Output.Path); !os.IsNotExist(statErr) {
		t.Fatalf("output written after failed login")
	}
}

// fakeSession serves canned sources and counts logouts.
type fakeSession struct {
	primary  fetch.Source
	catalog  enrich.Catalog
	loginErr error
	logouts  int
}

func (s *fakeSession) Login(ctx context.Context, u, p string) error { return s.loginErr }
func (s *fakeSession) Logout(ctx context.Context) error {
	s.logouts++
	return errors.New("already gone")
}
func (s *fakeSession) Sources() (fetch.Source, fetch.Source, enrich.Catalog) {
	return s.primary, nil, s.catalog
}

type constSource struct {
	res spacetrack.Result
}

func (c constSource) Name() string { return "gp_history" }
func (c constSource) Query(ctx context.Context, _ window.Window) (spacetrack.Result, error) {
	return c.res, nil
}

type nopCatalog struct{}

func (nopCatalog) Lookup(ctx context.Context, ids []int64) (spacetrack.Result, error) {
	return spacetrack.Result{}, nil
}

func TestRunner_Seams(t *testing.T) {
	one := spacetrack.Result{Records: []elements.RawRecord{{"NORAD_CAT_ID": "1", "EPOCH": "2024-01-01T00:00:00Z", "OBJECT_TYPE": "DEBRIS"}}}
	writeErr := errors.New("disk full")

	tests := []struct {
		name     string
		primary  spacetrack.Result
		loginErr error
		writeErr error
		wantErr  error
		wantOut  int
	}{
		{name: "success", primary: one, wantOut: 1},
		{name: "no_records", wantErr: ErrNoRecords},
		{name: "write_fails", primary: one, writeErr: writeErr, wantErr: writeErr},
		{name: "login_fails", loginErr: spacetrack.ErrLogin, wantErr: spacetrack.ErrLogin},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{primary: constSource{res: tc.primary}, catalog: nopCatalog{}, loginErr: tc.loginErr}
			var written elements.Table
			tick := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
			r := &Runner{
				NewSession: func(config.SpaceTrack, *zap.Logger) (Session, error) { return sess, nil },
				WriteFile: func(path string, tb elements.Table) (int64, error) {
					written = tb
					return 42, tc.writeErr
				},
				Now: func() time.Time {
					tick = tick.Add(time.Second)
					return tick
				},
				Sleep: noSleep,
			}

			cfg := testConfig(t, "https://example.invalid")
			sum, err := r.Run(context.Background(), cfg)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Run() err=%v, want %v", err, tc.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Run() err=%v", err)
			}

			wantLogouts := 1
			if tc.loginErr != nil {
				wantLogouts = 0
			}
			if sess.logouts != wantLogouts {
				t.Fatalf("logouts=%d, want %d", sess.logouts, wantLogouts)
			}
			if tc.wantErr == nil {
				if len(written) != tc.wantOut || sum.Bytes != 42 || sum.Duration <= 0 {
					t.Fatalf("written=%d Summary=%+v", len(written), sum)
				}
				if len(sum.RunID) != 36 {
					t.Fatalf("RunID=%q, want a generated uuid", sum.RunID)
				}
			}
		})
	}
}
