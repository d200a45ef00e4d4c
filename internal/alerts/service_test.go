package alerts

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/telegram"
)

type fakeBot struct {
	mu     sync.Mutex
	alerts []telegram.Alert
}

func (b *fakeBot) SendMessage(text string) error { return nil }

func (b *fakeBot) SendAlert(alert telegram.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, alert)
	return nil
}

func (b *fakeBot) IsEnabled() bool { return true }

func (b *fakeBot) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.alerts)
}

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		Enabled:            true,
		Debounce:           30 * time.Minute,
		RateLimitPerMinute: 30,
		ShutdownTimeout:    time.Second,
	}
}

func waitForAlerts(t *testing.T, bot *fakeBot, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for bot.count() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d alerts, have %d", n, bot.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotifyReauthRequiredDelivers(t *testing.T) {
	bot := &fakeBot{}
	s := NewService(testAlertsConfig(), bot, nil)
	s.Start()
	defer func() { _ = s.Stop() }()

	s.NotifyReauthRequired("github", "tenant-a", errors.New("invalid_grant"))
	waitForAlerts(t, bot, 1)

	bot.mu.Lock()
	alert := bot.alerts[0]
	bot.mu.Unlock()
	if alert.Provider != "github" || alert.TenantID != "tenant-a" {
		t.Errorf("unexpected alert: %+v", alert)
	}
	if alert.Severity != string(SeverityCritical) {
		t.Errorf("expected critical severity, got %s", alert.Severity)
	}
}

func TestDuplicateAlertsDebounced(t *testing.T) {
	bot := &fakeBot{}
	s := NewService(testAlertsConfig(), bot, nil)
	s.Start()
	defer func() { _ = s.Stop() }()

	for i := 0; i < 5; i++ {
		s.NotifyReauthRequired("github", "tenant-a", errors.New("invalid_grant"))
	}
	waitForAlerts(t, bot, 1)
	time.Sleep(20 * time.Millisecond)
	if bot.count() != 1 {
		t.Errorf("expected 1 delivered alert, got %d", bot.count())
	}

	// A different tenant is not a duplicate.
	s.NotifyReauthRequired("github", "tenant-b", errors.New("invalid_grant"))
	waitForAlerts(t, bot, 2)
}

func TestRecoveredResetsDebounce(t *testing.T) {
	bot := &fakeBot{}
	s := NewService(testAlertsConfig(), bot, nil)
	s.Start()
	defer func() { _ = s.Stop() }()

	s.NotifyReauthRequired("github", "tenant-a", errors.New("invalid_grant"))
	waitForAlerts(t, bot, 1)

	s.Recovered("github", "tenant-a")
	s.NotifyReauthRequired("github", "tenant-a", errors.New("invalid_grant again"))
	waitForAlerts(t, bot, 2)
}

func TestMutedAlertsDropped(t *testing.T) {
	bot := &fakeBot{}
	s := NewService(testAlertsConfig(), bot, nil)
	s.Start()
	defer func() { _ = s.Stop() }()

	s.MuteAlerts(time.Hour, "maintenance")
	if !s.IsMuted() {
		t.Fatal("expected muted state")
	}
	s.NotifyRefreshFailed("github", "tenant-a", 3, errors.New("timeout"))
	time.Sleep(20 * time.Millisecond)
	if bot.count() != 0 {
		t.Errorf("muted alert was delivered, got %d", bot.count())
	}

	s.UnmuteAlerts()
	s.NotifyRefreshFailed("github", "tenant-a", 3, errors.New("timeout"))
	waitForAlerts(t, bot, 1)
}

func TestDisabledServiceDropsEverything(t *testing.T) {
	bot := &fakeBot{}
	cfg := testAlertsConfig()
	cfg.Enabled = false
	s := NewService(cfg, bot, nil)
	s.Start()
	defer func() { _ = s.Stop() }()

	s.NotifyBreakerOpen("provider:github", 5)
	time.Sleep(20 * time.Millisecond)
	if bot.count() != 0 {
		t.Errorf("disabled service delivered an alert")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewService(testAlertsConfig(), &fakeBot{}, nil)
	s.Start()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("service should be stopped")
	}
}

func TestDedupStore(t *testing.T) {
	d := NewDedupStore(30 * time.Minute)

	if d.IsDuplicate("k") {
		t.Error("unknown key should not be a duplicate")
	}
	d.Record("k")
	if !d.IsDuplicate("k") {
		t.Error("recorded key should be a duplicate inside the window")
	}
	if d.Size() != 1 {
		t.Errorf("expected 1 record, got %d", d.Size())
	}
	d.Forget("k")
	if d.IsDuplicate("k") {
		t.Error("forgotten key should not be a duplicate")
	}
}

func TestThrottler(t *testing.T) {
	th := NewThrottler(60, 2)

	if !th.Allow() || !th.Allow() {
		t.Fatal("burst should be allowed")
	}
	if th.Allow() {
		t.Error("bucket should be empty")
	}
	if retry := th.GetRetryAfter(); retry <= 0 || retry > time.Second+100*time.Millisecond {
		t.Errorf("unexpected retry-after: %s", retry)
	}
}
