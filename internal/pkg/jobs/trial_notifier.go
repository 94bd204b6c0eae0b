package jobs

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/cardlinkhq/cardlink/app/models"
	"github.com/cardlinkhq/cardlink/internal/pkg/mail"
)

// TrialNotifier periodically scans for accounts whose signup trial expires
// soon and sends a single reminder mail per account. trial_reminder_sent_at
// makes the reminder idempotent across restarts and overlapping scans.
type TrialNotifier struct {
	db       *gorm.DB
	mailer   mail.Mailer
	interval time.Duration
	window   time.Duration

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewTrialNotifier creates a notifier scanning every interval for trials
// expiring within the window.
func NewTrialNotifier(db *gorm.DB, mailer mail.Mailer, interval, window time.Duration) *TrialNotifier {
	return &TrialNotifier{
		db:       db,
		mailer:   mailer,
		interval: interval,
		window:   window,
	}
}

// Start starts the background scan loop
func (n *TrialNotifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return
	}
	n.stopCh = make(chan struct{})
	n.running = true
	n.ticker = time.NewTicker(n.interval)

	log.Info("[TrialNotifier] Starting trial reminder loop")

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.ticker.C:
				n.RunOnce()
			case <-n.stopCh:
				return
			}
		}
	}()
}

// Stop stops the loop and waits for an in-flight scan to finish
func (n *TrialNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	n.running = false
	n.ticker.Stop()
	close(n.stopCh)
	n.wg.Wait()

	log.Info("[TrialNotifier] Stopped")
}

// RunOnce performs a single scan. Exposed for tests and manual triggering.
func (n *TrialNotifier) RunOnce() {
	now := time.Now()
	cutoff := now.Add(n.window)

	var users []models.User
	err := n.db.
		Where("trial_expires IS NOT NULL").
		Where("trial_expires > ? AND trial_expires <= ?", now, cutoff).
		Where("trial_reminder_sent_at IS NULL").
		Where("is_subscribed = ?", false).
		Find(&users).Error
	if err != nil {
		log.Errorf("[TrialNotifier] scan failed: %v", err)
		return
	}

	for i := range users {
		n.remind(&users[i])
	}
}

func (n *TrialNotifier) remind(user *models.User) {
	if n.mailer == nil {
		return
	}
	if err := n.mailer.Send(user.Email, "Your trial is ending soon",
		"Your trial period ends in a few days. Pick a plan to keep your cards online."); err != nil {
		log.Errorf("[TrialNotifier] mail to %s failed: %v", user.Email, err)
		return
	}

	now := time.Now()
	if err := n.db.Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("trial_reminder_sent_at", &now).Error; err != nil {
		log.Errorf("[TrialNotifier] stamping user %d failed: %v", user.ID, err)
	}
}
