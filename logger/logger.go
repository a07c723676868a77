package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// TimeFormat - total time format
const TimeFormat = "2006-01-02 15:04:05"

// Verbosity - current log level, 0 (quiet) to 4 (caller info)
var Verbosity = 0

var (
	mu      sync.Mutex
	program string
	output  io.Writer = os.Stdout
	exit              = os.Exit
)

func init() {
	fullpath, err := os.Executable()
	if err != nil {
		fullpath = ""
	}
	program = filepath.Base(fullpath)
	if v := envVerbosity(); v > Verbosity {
		Verbosity = v
	}
}

// Log - prints the message when verbosity is at or above the given level
func Log(verbosity int, message ...string) {
	mu.Lock()
	defer mu.Unlock()
	level := getVerbose()
	if verbosity > level {
		return
	}
	currentMessage := MakeString(" ", message...)
	if level >= 4 {
		pc, file, line, ok := runtime.Caller(1)
		if !ok {
			file = "?"
			line = 0
		}
		fnName := "?()"
		if fn := runtime.FuncForPC(pc); fn != nil {
			fnName = strings.TrimLeft(filepath.Ext(fn.Name()), ".") + "()"
		}
		currentMessage = fmt.Sprintf("[%s-%d] %s: %s", filepath.Base(file), line, fnName, currentMessage)
	}
	fmt.Fprintf(output, "[%s] %s %s \n", program, time.Now().Format(TimeFormat), currentMessage)
}

// FatalLog - exits os after logging
func FatalLog(message ...string) {
	mu.Lock()
	fmt.Fprintf(output, "[%s] Fatal: %s \n", program, MakeString(" ", message...))
	mu.Unlock()
	exit(2)
}
