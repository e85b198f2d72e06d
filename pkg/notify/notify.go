package notify

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"library-lending/pkg/models"
)

type pendingNotification struct {
	UserID      uint
	Message     string
	NextAttempt time.Time
	Attempts    int
}

// Emitter persists notifications outside the lending transactions. Callers
// enqueue best-effort messages (overdue reminders, background events); a
// flush loop writes them as Notification rows, retrying failed writes with
// a delay until the attempt budget is spent.
type Emitter struct {
	db          *gorm.DB
	interval    time.Duration
	retryDelay  time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending []*pendingNotification

	stop chan struct{}
	once sync.Once
}

func NewEmitter(db *gorm.DB, interval time.Duration) *Emitter {
	return &Emitter{
		db:          db,
		interval:    interval,
		retryDelay:  30 * time.Second,
		maxAttempts: 5,
		pending:     make([]*pendingNotification, 0),
		stop:        make(chan struct{}),
	}
}

// Enqueue queues a message for the user. The write happens on the next
// flush; the call never blocks on the database.
func (e *Emitter) Enqueue(userID uint, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, &pendingNotification{
		UserID:      userID,
		Message:     message,
		NextAttempt: time.Now(),
	})
}

func (e *Emitter) dequeueDue(now time.Time) *pendingNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if !p.NextAttempt.After(now) {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (e *Emitter) requeue(p *pendingNotification, now time.Time) {
	p.Attempts++
	if p.Attempts >= e.maxAttempts {
		log.Printf("notify: dropping notification for user %d after %d attempts", p.UserID, p.Attempts)
		return
	}
	p.NextAttempt = now.Add(e.retryDelay)
	e.mu.Lock()
	e.pending = append(e.pending, p)
	e.mu.Unlock()
}

// FlushDue writes every queue entry whose attempt time has come and returns
// how many rows were created.
func (e *Emitter) FlushDue() int {
	now := time.Now()
	written := 0
	for {
		p := e.dequeueDue(now)
		if p == nil {
			return written
		}
		notification := models.Notification{
			UserID:  p.UserID,
			Message: p.Message,
		}
		if err := e.db.Create(&notification).Error; err != nil {
			log.Printf("notify: failed to write notification for user %d: %v", p.UserID, err)
			e.requeue(p, now)
			continue
		}
		written++
	}
}

// Pending reports the queue length.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Start runs the flush loop until Stop is called.
func (e *Emitter) Start() {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.FlushDue()
			case <-e.stop:
				e.FlushDue()
				return
			}
		}
	}()
}

func (e *Emitter) Stop() {
	e.once.Do(func() { close(e.stop) })
}
