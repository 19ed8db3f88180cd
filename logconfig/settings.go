package logconfig

import (
	"io"
	"os"
	"path/filepath"

	myLogger "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// This output format is used in the test (has terminal).
func ConfigDebugLogger() {
	myLogger.SetReportCaller(true)
	myLogger.SetLevel(myLogger.DebugLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

func ConfigInfoLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

type ProductionConfig struct {
	Level      string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// This output format is used in production: JSON lines on stdout and
// in a size-rotated service log under Dir.
func ConfigProductionLogger(cfg *ProductionConfig) error {
	level, err := myLogger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	myLogger.SetLevel(level)
	myLogger.SetReportCaller(false)
	myLogger.SetFormatter(&myLogger.JSONFormatter{})

	if cfg.Dir == "" {
		myLogger.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return err
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "settlement.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	myLogger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return nil
}
