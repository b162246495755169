package birclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// rotatingService accepts only the most recently issued token. Every login
// after the first waits for gate, so callers can pile up behind it.
type rotatingService struct {
	mu       sync.Mutex
	logins   int
	current  string
	rejected int

	loginStarted chan struct{}
	gate         chan struct{}
}

func newRotatingService(t *testing.T) (*rotatingService, *Client) {
	s := &rotatingService{
		loginStarted: make(chan struct{}, 1),
		gate:         make(chan struct{}),
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, newTestClient(srv)
}

func (s *rotatingService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login":
		s.mu.Lock()
		s.logins++
		n := s.logins
		s.mu.Unlock()
		if n > 1 {
			select {
			case s.loginStarted <- struct{}{}:
			default:
			}
			select {
			case <-s.gate:
			case <-r.Context().Done():
				return
			}
		}
		token := fmt.Sprintf("token-%d", n)
		s.mu.Lock()
		s.current = token
		s.mu.Unlock()
		w.Header().Set("Token", token)
	case "/tomminger":
		s.mu.Lock()
		ok := r.Header.Get("Token") == s.current
		if !ok {
			s.rejected++
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[{"fraksjon":"Papir","dato":"2024-05-10"}]`)
	default:
		http.NotFound(w, r)
	}
}

// expire invalidates every token issued so far.
func (s *rotatingService) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
}

func (s *rotatingService) counts() (logins, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins, s.rejected
}

func (s *rotatingService) waitRejected(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, rejected := s.counts(); rejected >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d rejected requests", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentExpiryLogsInOnce(t *testing.T) {
	s, c := newRotatingService(t)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	s.expire()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, errs[i] = c.FetchCalendar(context.Background(), "42", Date{2024, 5, 1}, Date{2024, 7, 31})
		})
	}
	s.waitRejected(t, n)
	close(s.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	logins, rejected := s.counts()
	if logins != 2 {
		t.Errorf("logins = %d, want 2 (one re-login for all callers)", logins)
	}
	if rejected != n {
		t.Errorf("rejected = %d, want %d", rejected, n)
	}
	if c.Token() != "token-2" {
		t.Errorf("Token() = %q, want token-2", c.Token())
	}
}

func TestReloginSurvivesStarterCancellation(t *testing.T) {
	s, c := newRotatingService(t)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	s.expire()

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := c.FetchCalendar(ctxA, "42", Date{2024, 5, 1}, Date{2024, 7, 31})
		errA <- err
	}()
	<-s.loginStarted

	errB := make(chan error, 1)
	go func() {
		_, err := c.FetchCalendar(context.Background(), "42", Date{2024, 5, 1}, Date{2024, 7, 31})
		errB <- err
	}()
	s.waitRejected(t, 2)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: got %v, want context.Canceled", err)
	}

	close(s.gate)
	if err := <-errB; err != nil {
		t.Fatalf("caller that was never cancelled failed: %v", err)
	}
	if logins, _ := s.counts(); logins != 2 {
		t.Errorf("logins = %d, want 2", logins)
	}
	if c.Token() != "token-2" {
		t.Errorf("Token() = %q, want token-2", c.Token())
	}
}

func TestReauthenticateSkipsReplacedToken(t *testing.T) {
	s, c := newRotatingService(t)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	// Another request already swapped token-0 for token-1.
	if err := c.reauthenticate(context.Background(), "token-0"); err != nil {
		t.Fatalf("reauthenticate() failed: %v", err)
	}
	if logins, _ := s.counts(); logins != 1 {
		t.Errorf("logins = %d, want 1", logins)
	}
	if c.Token() != "token-1" {
		t.Errorf("Token() = %q, want token-1", c.Token())
	}
}
