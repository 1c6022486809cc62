package utils

import (
	"log"
	"os"
)

type Logger struct {
	out *log.Logger
}

func NewLogger() *Logger {
	return &Logger{out: log.New(os.Stdout, "", log.LstdFlags|log.LUTC)}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Printf("ERROR "+format, args...)
}
