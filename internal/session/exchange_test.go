package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-serial/internal/condition"
)

// echoWriter answers every write on responses after delay. A zero delay
// queues the answer before WriteTimeout returns.
type echoWriter struct {
	responses chan string
	delay     time.Duration
	err       error
	writes    int
}

func (w *echoWriter) WriteTimeout(data []byte, _ time.Duration) error {
	w.writes++
	if w.err != nil {
		return w.err
	}
	reply := "re:" + string(data)
	if w.delay == 0 {
		w.responses <- reply
		return nil
	}
	go func() {
		time.Sleep(w.delay)
		w.responses <- reply
	}()
	return nil
}

// silentWriter accepts writes and never answers.
type silentWriter struct{}

func (silentWriter) WriteTimeout([]byte, time.Duration) error { return nil }

func TestRequestDisciplinesAgree(t *testing.T) {
	scenarios := []struct {
		name    string
		delay   time.Duration
		timeout time.Duration
		runs    int
		wantErr error
	}{
		{"fast response", 5 * time.Millisecond, 500 * time.Millisecond, 1, nil},
		{"unbounded", 5 * time.Millisecond, condition.NoTimeout, 1, nil},
		{"late response", 300 * time.Millisecond, 30 * time.Millisecond, 1, ErrResponseTimeout},
		// The deadline has passed before retrieval starts, but the answer
		// is already queued. Repeated so a random pick would show up.
		{"queued at expired deadline", 0, 0, 200, nil},
		{"nothing queued at expired deadline", 300 * time.Millisecond, 0, 20, ErrResponseTimeout},
	}

	for _, sc := range scenarios {
		for _, mode := range []PollMode{PollBlocking, PollBusy} {
			t.Run(sc.name+"/"+mode.String(), func(t *testing.T) {
				for run := range sc.runs {
					w := &echoWriter{responses: make(chan string, 1), delay: sc.delay}

					got, err := Request(w, w.responses, []byte("ping"), RequestOptions{
						Timeout: sc.timeout,
						Poll:    mode,
						Yield:   true,
					})

					if sc.wantErr != nil {
						if !errors.Is(err, sc.wantErr) {
							t.Fatalf("run %d: err = %v, want %v", run, err, sc.wantErr)
						}
						continue
					}
					if err != nil {
						t.Fatalf("run %d: Request() error = %v", run, err)
					}
					if got != "re:ping" {
						t.Fatalf("run %d: response = %q", run, got)
					}
				}
			})
		}
	}
}

func TestRequestWriteFailureSkipsWait(t *testing.T) {
	w := &echoWriter{responses: make(chan string, 1), err: ErrNotConnected}

	start := time.Now()
	_, err := Request(w, w.responses, []byte("x"), RequestOptions{Timeout: time.Second, Poll: PollBusy})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Request waited for a response after a failed write")
	}
}

func TestRequestClosedChannel(t *testing.T) {
	for _, mode := range []PollMode{PollBlocking, PollBusy} {
		t.Run(mode.String(), func(t *testing.T) {
			responses := make(chan string)
			close(responses)
			_, err := Request(silentWriter{}, responses, []byte("x"), RequestOptions{Timeout: 50 * time.Millisecond, Poll: mode})
			if !errors.Is(err, ErrClosed) {
				t.Errorf("err = %v, want ErrClosed", err)
			}
		})
	}
}

func TestRequestOverSession(t *testing.T) {
	disc := newFakeDiscovery("COM9")
	opener := newFakeOpener()
	h := &recordingHandler{dataCh: make(chan []byte, 4)}
	s := newTestSession(t, disc, opener, h)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Shutdown(context.Background())
	port := opener.next(t)

	for _, mode := range []PollMode{PollBlocking, PollBusy} {
		go func() {
			time.Sleep(10 * time.Millisecond)
			port.incoming <- []byte("OK")
		}()

		got, err := Request(s, h.dataCh, []byte("AT\r"), RequestOptions{Timeout: time.Second, Poll: mode})
		if err != nil {
			t.Fatalf("%s: Request() error = %v", mode, err)
		}
		if string(got) != "OK" {
			t.Errorf("%s: response = %q", mode, got)
		}
	}

	if got := port.writtenString(); got != "AT\rAT\r" {
		t.Errorf("port got %q", got)
	}
}

func TestParsePollMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PollMode
		wantErr bool
	}{
		{"auto", PlatformPollMode(), false},
		{"", PlatformPollMode(), false},
		{"true", PollBusy, false},
		{"false", PollBlocking, false},
		{"sometimes", PollBlocking, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePollMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePollMode(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
