// Package alerts keeps the append-only alert log. One live subscriber is
// supported at a time; a new subscriber replaces the previous one.
package alerts

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"lifeboat/internal/logger"
	"lifeboat/internal/metrics"
	"lifeboat/internal/models"
	"lifeboat/internal/repository"

	"github.com/google/uuid"
)

// MaxDetail is the longest detail text kept, in bytes.
const MaxDetail = 79

type Sink func(models.AlertRecord)

type Log struct {
	mu        sync.Mutex
	seq       uint32
	latest    models.AlertRecord
	hasLatest bool
	sink      Sink
	sinkID    uint64

	repo    repository.AlertRepo
	metrics *metrics.Collector
	log     *logger.Logger
	now     func() time.Time
}

func New(repo repository.AlertRepo, m *metrics.Collector, log *logger.Logger) *Log {
	if log == nil {
		log = logger.Nop()
	}
	return &Log{repo: repo, metrics: m, log: log, now: time.Now}
}

// Raise appends a record and hands it to the subscriber. Persisting it is
// best effort: a storage failure is logged and the record still counts.
func (l *Log) Raise(ctx context.Context, code models.AlertCode, detail string) models.AlertRecord {
	l.mu.Lock()
	l.seq++
	rec := models.AlertRecord{
		ID:       uuid.NewString(),
		Seq:      l.seq,
		Code:     code,
		Detail:   truncate(detail, MaxDetail),
		RaisedAt: l.now().UTC(),
	}
	l.latest, l.hasLatest = rec, true
	sink := l.sink
	l.mu.Unlock()

	l.log.Warnw("alert", "seq", rec.Seq, "code", rec.Code.String(), "detail", rec.Detail)
	l.metrics.Alert(code)

	if sink != nil {
		sink(rec)
	}
	if l.repo != nil {
		if err := l.repo.Append(ctx, rec); err != nil {
			l.log.Warnw("alert not persisted", "seq", rec.Seq, "err", err)
		}
	}
	return rec
}

func (l *Log) Latest() (models.AlertRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.hasLatest
}

// Subscribe installs fn as the only subscriber and immediately pushes the
// latest record, if any. The returned cancel only removes this subscription.
func (l *Log) Subscribe(fn Sink) (cancel func()) {
	l.mu.Lock()
	l.sinkID++
	id := l.sinkID
	l.sink = fn
	latest, ok := l.latest, l.hasLatest
	l.mu.Unlock()

	if ok && fn != nil {
		fn(latest)
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.sinkID == id {
			l.sink = nil
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
