package logconfig

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

const incidentDateLayout = "2006-01-02"

// IncidentLog appends one JSON line per incident to
// <dir>/incidents-YYYY-MM-DD.log, switching file at the UTC date boundary.
type IncidentLog struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	date string
	file *lumberjack.Logger
	out  *logger.Logger
}

func NewIncidentLog(dir string) (*IncidentLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := logger.New()
	out.SetFormatter(&logger.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	out.SetLevel(logger.InfoLevel)
	return &IncidentLog{dir: dir, now: time.Now, out: out}, nil
}

// Path returns the file incidents of the given day are written to.
func (l *IncidentLog) Path(day time.Time) string {
	return filepath.Join(l.dir, "incidents-"+day.UTC().Format(incidentDateLayout)+".log")
}

func (l *IncidentLog) Record(inc *agreement.Incident) {
	id := uuid.NewString()
	errText := ""
	if inc.Err != nil {
		errText = inc.Err.Error()
	}
	fields := logger.Fields{
		"incident_id": id,
		"component":   inc.Component,
		"action":      inc.Action,
		"kind":        inc.Kind,
		"key":         inc.Key,
		"tx_hashes":   inc.TxHashes,
		"error":       errText,
	}

	l.mu.Lock()
	l.rollLocked()
	l.out.WithFields(fields).Error("incident")
	l.mu.Unlock()

	logger.WithFields(fields).Warn("incident recorded")
}

func (l *IncidentLog) rollLocked() {
	now := l.now()
	day := now.UTC().Format(incidentDateLayout)
	if day == l.date && l.file != nil {
		return
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = &lumberjack.Logger{Filename: l.Path(now), MaxSize: 100}
	l.out.SetOutput(l.file)
	l.date = day
}

func (l *IncidentLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
