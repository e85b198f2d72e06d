package reconcile

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"library-lending/pkg/models"
	"library-lending/pkg/notify"
)

// Job is the consistency backstop for the denormalized stock counter: it
// periodically recounts the copies of each title that are actually free and
// repairs any drift. The same sweep flags newly overdue loans and queues a
// reminder for the borrower.
//
// Repeated sweep failures inside the window suspend the job for a cooldown
// instead of hammering a broken database.
type Job struct {
	db      *gorm.DB
	emitter *notify.Emitter

	interval    time.Duration
	maxFailures int
	window      time.Duration
	cooldown    time.Duration

	mu               sync.Mutex
	failures         []time.Time
	suspendedUntil   time.Time
	lastOverdueSweep time.Time

	stop chan struct{}
	once sync.Once
}

func New(db *gorm.DB, emitter *notify.Emitter, interval time.Duration) *Job {
	return &Job{
		db:          db,
		emitter:     emitter,
		interval:    interval,
		maxFailures: 3,
		window:      10 * time.Minute,
		cooldown:    5 * time.Minute,
		stop:        make(chan struct{}),
	}
}

// RunOnce performs one sweep and reports how many titles were repaired and
// how many overdue reminders were queued.
func (j *Job) RunOnce() (repaired, overdue int, err error) {
	repaired, err = j.sweepStock()
	if err != nil {
		return repaired, 0, err
	}
	overdue, err = j.sweepOverdue()
	return repaired, overdue, err
}

// sweepStock recounts, per title, the copies with no issued loan and writes
// the count back wherever it disagrees with the stored stock.
func (j *Job) sweepStock() (int, error) {
	var titles []models.BookTitle
	if err := j.db.Find(&titles).Error; err != nil {
		return 0, err
	}

	repaired := 0
	for _, title := range titles {
		blocking := j.db.Model(&models.BookLoan{}).
			Select("book_copy_id").
			Where("status = ?", models.LoanIssued)

		var available int64
		err := j.db.Model(&models.BookCopy{}).
			Where("book_title_id = ?", title.ID).
			Where("id NOT IN (?)", blocking).
			Count(&available).Error
		if err != nil {
			return repaired, err
		}

		if int(available) != title.Stock {
			log.Printf("reconcile: title %q stock drifted, stored %d actual %d", title.Title, title.Stock, available)
			err := j.db.Model(&models.BookTitle{}).
				Where("id = ?", title.ID).
				UpdateColumn("stock", available).Error
			if err != nil {
				return repaired, err
			}
			repaired++
		}
	}
	return repaired, nil
}

// sweepOverdue queues one reminder per loan that went overdue since the
// previous sweep. The watermark only advances once the sweep succeeds, so
// a failed query does not lose that window's reminders.
func (j *Job) sweepOverdue() (int, error) {
	now := time.Now()
	j.mu.Lock()
	since := j.lastOverdueSweep
	j.mu.Unlock()

	var loans []models.BookLoan
	err := j.db.Where("status = ?", models.LoanIssued).
		Where("return_date < ?", now).
		Where("return_date >= ?", since).
		Find(&loans).Error
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, loan := range loans {
		var copy models.BookCopy
		if err := j.db.First(&copy, loan.BookCopyID).Error; err != nil {
			return queued, err
		}
		var title models.BookTitle
		if err := j.db.First(&title, copy.BookTitleID).Error; err != nil {
			return queued, err
		}
		j.emitter.Enqueue(loan.UserID,
			fmt.Sprintf("Your loan of %q is overdue, it was due on %s", title.Title, loan.ReturnDate.Format("2006-01-02")))
		queued++
	}

	j.mu.Lock()
	j.lastOverdueSweep = now
	j.mu.Unlock()
	return queued, nil
}

func (j *Job) recordFailure(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.failures = append(j.failures, now)
	cutoff := now.Add(-j.window)
	valid := j.failures[:0]
	for _, f := range j.failures {
		if f.After(cutoff) {
			valid = append(valid, f)
		}
	}
	j.failures = valid

	if len(j.failures) >= j.maxFailures {
		j.suspendedUntil = now.Add(j.cooldown)
		j.failures = j.failures[:0]
		log.Printf("reconcile: too many sweep failures, suspended until %s", j.suspendedUntil.Format(time.RFC3339))
	}
}

func (j *Job) suspended(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return now.Before(j.suspendedUntil)
}

// Start runs the sweep loop until Stop is called.
func (j *Job) Start() {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if j.suspended(time.Now()) {
					continue
				}
				repaired, overdue, err := j.RunOnce()
				if err != nil {
					log.Printf("reconcile: sweep failed: %v", err)
					j.recordFailure(time.Now())
					continue
				}
				if repaired > 0 || overdue > 0 {
					log.Printf("reconcile: repaired %d titles, queued %d overdue reminders", repaired, overdue)
				}
			case <-j.stop:
				return
			}
		}
	}()
}

func (j *Job) Stop() {
	j.once.Do(func() { close(j.stop) })
}
